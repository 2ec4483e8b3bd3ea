package sink

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/louisbranch/probewatch/internal/services/probewatch/session"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Format selects the console rendering.
type Format string

const (
	FormatText       Format = "text"
	FormatJSON       Format = "json"
	FormatJSONPretty Format = "json-pretty"
)

// ParseFormat accepts the names above, case-insensitively; empty means text.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatJSONPretty:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q", raw)
	}
}

// ConsoleOptions configures a Console.
type ConsoleOptions struct {
	Format Format
	// Filter is a semicolon-separated list of metric names to keep.
	Filter string
	// Locale, when set, groups digits in text output for that language.
	Locale string
}

// Console writes records to an io.Writer.
type Console struct {
	w       io.Writer
	format  Format
	keep    map[string]bool
	printer *message.Printer
}

// NewConsole builds a console sink over w.
func NewConsole(w io.Writer, opts ConsoleOptions) (*Console, error) {
	format, err := ParseFormat(string(opts.Format))
	if err != nil {
		return nil, err
	}
	c := &Console{w: w, format: format, keep: parseFilter(opts.Filter)}
	if locale := strings.TrimSpace(opts.Locale); locale != "" {
		tag, err := language.Parse(locale)
		if err != nil {
			return nil, fmt.Errorf("parse locale %q: %w", locale, err)
		}
		c.printer = message.NewPrinter(tag)
	}
	return c, nil
}

func parseFilter(raw string) map[string]bool {
	var keep map[string]bool
	for name := range strings.SplitSeq(raw, ";") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if keep == nil {
			keep = make(map[string]bool)
		}
		keep[name] = true
	}
	return keep
}

// Write renders one record.
func (c *Console) Write(rec session.Record) error {
	switch c.format {
	case FormatJSON, FormatJSONPretty:
		return c.writeJSON(rec)
	default:
		return c.writeText(rec)
	}
}

func (c *Console) selected(name string) bool {
	return c.keep == nil || c.keep[strings.ToLower(name)]
}

func (c *Console) names(rec session.Record) []string {
	fields := rec.Metrics.GetFields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		if c.selected(name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (c *Console) writeText(rec session.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Target:%s Timestamp:%d Seq:%d\n", rec.Target, rec.Received.Unix(), rec.Seq)
	fields := rec.Metrics.GetFields()
	for i, name := range c.names(rec) {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(c.formatValue(fields[name]))
	}
	b.WriteByte('\n')
	_, err := io.WriteString(c.w, b.String())
	return err
}

func (c *Console) formatValue(v *structpb.Value) string {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			if c.printer != nil {
				return c.printer.Sprintf("%d", int64(n))
			}
			return strconv.FormatInt(int64(n), 10)
		}
		if c.printer != nil {
			return c.printer.Sprintf("%.3f", n)
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case *structpb.Value_StringValue:
		return kind.StringValue
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(kind.BoolValue)
	case *structpb.Value_NullValue, nil:
		return "null"
	default:
		b, err := protojson.Marshal(v)
		if err != nil {
			return "?"
		}
		return string(b)
	}
}

func (c *Console) writeJSON(rec session.Record) error {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{
		"Target":    structpb.NewStringValue(rec.Target),
		"Timestamp": structpb.NewNumberValue(float64(rec.Received.Unix())),
		"Seq":       structpb.NewNumberValue(float64(rec.Seq)),
	}}
	fields := rec.Metrics.GetFields()
	for _, name := range c.names(rec) {
		if _, reserved := out.Fields[name]; reserved {
			continue
		}
		out.Fields[name] = fields[name]
	}

	opts := protojson.MarshalOptions{}
	if c.format == FormatJSONPretty {
		opts.Multiline = true
		opts.Indent = "  "
	}
	b, err := opts.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal record %d: %w", rec.Seq, err)
	}
	b = append(b, '\n')
	_, err = c.w.Write(b)
	return err
}
