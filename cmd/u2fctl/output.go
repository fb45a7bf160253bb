package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/u2fbridge/internal/protocol"
	"github.com/danmuck/u2fbridge/internal/transport"
	"github.com/danmuck/u2fbridge/internal/u2f"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

var (
	okFmt   = color.New(color.FgGreen, color.Bold).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	infoFmt = color.New(color.FgCyan).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

// result is the printable outcome of one request.
type result struct {
	SessionID    string                `json:"sessionId" yaml:"sessionId"`
	Transport    string                `json:"transport,omitempty" yaml:"transport,omitempty"`
	RequestType  string                `json:"requestType,omitempty" yaml:"requestType,omitempty"`
	ResponseData any                   `json:"responseData,omitempty" yaml:"responseData,omitempty"`
	Error        *protocol.ErrorRecord `json:"error,omitempty" yaml:"error,omitempty"`
}

func newResult(client *u2f.Client, typ protocol.MessageType, data protocol.ResponseData, err error) result {
	r := result{
		SessionID: client.SessionID(),
		Transport: string(client.TransportKind()),
	}
	if err != nil {
		r.Error = errorRecord(err)
		return r
	}
	r.RequestType = string(typ)
	if rec := data.Err(); rec != nil {
		r.Error = rec
	}
	var decoded any
	if len(data) > 0 && json.Unmarshal(data, &decoded) == nil {
		r.ResponseData = decoded
	}
	return r
}

func errorRecord(err error) *protocol.ErrorRecord {
	if rec, ok := protocol.AsErrorRecord(err); ok {
		return rec
	}
	return protocol.NewErrorRecord(protocol.OtherError, err.Error())
}

func printResult(format string, client *u2f.Client, typ protocol.MessageType, data protocol.ResponseData, err error) error {
	r := newResult(client, typ, data, err)
	if err := render(os.Stdout, format, r); err != nil {
		return err
	}
	if r.Error != nil {
		return r.Error
	}
	return nil
}

func printProbe(format string, client *u2f.Client, kind transport.Kind, err error) error {
	r := result{SessionID: client.SessionID(), Transport: string(kind)}
	if err != nil {
		r.Error = errorRecord(err)
	}
	if err := render(os.Stdout, format, r); err != nil {
		return err
	}
	if r.Error != nil {
		return r.Error
	}
	return nil
}

func render(w io.Writer, format string, r result) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		out, err := yaml.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return renderText(w, r)
	}
}

func renderText(w io.Writer, r result) error {
	if r.Error != nil {
		fmt.Fprintf(w, "%s %s (%s)\n", errFmt("FAILED"), r.Error.Code, r.Error.Message)
	} else {
		fmt.Fprintf(w, "%s %s\n", okFmt("OK"), r.RequestType)
	}
	if r.Transport != "" {
		fmt.Fprintf(w, "  %s %s\n", dimFmt("transport:"), infoFmt(r.Transport))
	}
	fmt.Fprintf(w, "  %s %s\n", dimFmt("session:"), r.SessionID)
	if r.ResponseData != nil && r.Error == nil {
		out, err := json.MarshalIndent(r.ResponseData, "  ", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s %s\n", dimFmt("response:"), out)
	}
	return nil
}
