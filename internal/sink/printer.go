package sink

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"qbridge/internal/pkg/errors"
	"qbridge/internal/pkg/logger"
	"qbridge/internal/registry"
)

type Format string

const (
	FormatRaw  Format = "raw"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatRaw:
		return FormatRaw, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", errors.ValidationField("format", "unknown output format").WithField("format", s)
	}
}

// Printer writes one line per message: the raw payload, or its JSON
// envelope. Errors are written as "ERROR: <message>" lines.
type Printer struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
	log    *logger.Logger
}

func NewPrinter(w io.Writer, format Format, log *logger.Logger) *Printer {
	if log == nil {
		log = logger.NewDefault()
	}
	if format == "" {
		format = FormatRaw
	}
	return &Printer{w: w, format: format, log: log.WithComponent("printer")}
}

// Handle is a registry.Handler.
func (p *Printer) Handle(_ context.Context, msg registry.Message) {
	line := msg.Payload
	if p.format == FormatJSON {
		b, err := marshalEnvelope(msg)
		if err != nil {
			p.log.Error("encode envelope", "error", err.Error(), "queue", msg.Queue)
			return
		}
		line = b
	}
	p.writeLine(line)
}

// PrintError writes err as an "ERROR:" line.
func (p *Printer) PrintError(err error) {
	if err == nil {
		return
	}
	p.writeLine([]byte("ERROR: " + err.Error()))
}

func (p *Printer) writeLine(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintf(p.w, "%s\n", b); err != nil {
		p.log.Error("write output", "error", err.Error())
	}
}
