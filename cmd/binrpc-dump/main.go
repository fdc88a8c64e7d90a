// binrpc-dump decodes one captured binary RPC message without its schema
// and prints the header and payload.
//
//	binrpc-dump [--hex] [--frame] [--strict] [--format yaml|json] [file]
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/goccy/go-yaml"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"

	"binrpc/codec"
	"binrpc/message"
	"binrpc/protocol"
	"binrpc/schema"
)

var (
	hexFlag = cli.BoolFlag{
		Name:  "hex",
		Usage: "input is hex text (whitespace ignored)",
	}
	frameFlag = cli.BoolFlag{
		Name:  "frame",
		Usage: "input is a TCP frame; strip and print its header first",
	}
	strictFlag = cli.BoolFlag{
		Name:  "strict",
		Usage: "reject messages without a versioned header",
	}
	formatFlag = cli.StringFlag{
		Name:  "format",
		Value: "yaml",
		Usage: "payload rendering: yaml or json",
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "binrpc-dump"
	app.Usage = "decode one binary RPC message without its schema"
	app.ArgsUsage = "[file]"
	app.Flags = []cli.Flag{hexFlag, frameFlag, strictFlag, formatFlag}
	app.Action = dump
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dump(ctx *cli.Context) error {
	format := ctx.String(formatFlag.Name)
	if format != "yaml" && format != "json" {
		return errors.Errorf("unknown format %q", format)
	}
	raw, err := readInput(ctx.Args().First())
	if err != nil {
		return err
	}
	if ctx.Bool(hexFlag.Name) {
		if raw, err = hex.DecodeString(strings.Join(strings.Fields(string(raw)), "")); err != nil {
			return errors.Wrap(err, "decoding hex input")
		}
	}

	out := ctx.App.Writer
	title := color.New(color.FgCyan, color.Bold)
	if f, ok := out.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		title.DisableColor()
	}

	if ctx.Bool(frameFlag.Name) {
		fh, body, err := protocol.Decode(bytes.NewReader(raw))
		if err != nil {
			return errors.Wrap(err, "reading frame")
		}
		title.Fprintf(out, "frame: type=%d flags=0x%02x seq=%d len=%d\n", fh.MsgType, fh.Flags, fh.Seq, fh.BodyLen)
		raw = body
	}

	opts := []codec.Option{codec.FullRangeI64()}
	if ctx.Bool(strictFlag.Name) {
		opts = append(opts, codec.StrictRead())
	}
	buf := codec.NewMemBuffer(raw)
	p := codec.NewBinaryProtocol(buf, opts...)
	h, err := message.ReadHeader(p)
	if err != nil {
		return errors.Wrap(err, "reading message header")
	}
	title.Fprintf(out, "%s\n", h)

	payload, err := schema.ReadAny(p, codec.TypeStruct)
	if err != nil {
		return errors.Wrap(err, "reading payload")
	}
	if err := render(out, format, schema.Plain(payload)); err != nil {
		return err
	}
	if n := buf.Remaining(); n > 0 {
		color.New(color.FgYellow).Fprintf(os.Stderr, "%d trailing bytes ignored\n", n)
	}
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func render(w io.Writer, format string, v any) error {
	var (
		b   []byte
		err error
	)
	if format == "json" {
		b, err = json.MarshalIndent(v, "", "  ")
		b = append(b, '\n')
	} else {
		b, err = yaml.Marshal(v)
	}
	if err != nil {
		return errors.Wrap(err, "rendering payload")
	}
	_, err = w.Write(b)
	return err
}
