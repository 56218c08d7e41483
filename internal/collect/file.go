package collect

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
)

// File reads signals from a local JSON array, JSON Lines or CSV file,
// chosen by extension.
type File struct {
	name string
	path string
}

// NewFile creates a file collector.
func NewFile(name, path string) *File {
	if name == "" {
		name = filepath.Base(path)
	}
	return &File{name: name, path: path}
}

func (f *File) Name() string { return f.name }

func (f *File) Collect(ctx context.Context, emit func(model.RawSignal)) error {
	fh, err := os.Open(f.path)
	if err != nil {
		return eris.Wrapf(err, "collect: open %s", f.path)
	}
	defer fh.Close() //nolint:errcheck

	switch strings.ToLower(filepath.Ext(f.path)) {
	case ".csv":
		err = DecodeCSV(ctx, fh, emit)
	case ".jsonl", ".ndjson":
		err = DecodeJSONLines(ctx, fh, emit)
	default:
		err = DecodeJSON(ctx, fh, emit)
	}
	return eris.Wrapf(err, "collect: %s", f.name)
}

// DecodeJSON streams a JSON array of signals.
func DecodeJSON(ctx context.Context, r io.Reader, emit func(model.RawSignal)) error {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "json: read opening token")
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return eris.Errorf("json: expected '[', got %v", tok)
	}

	for dec.More() {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "json: context cancelled")
		}
		var sig model.RawSignal
		if err := dec.Decode(&sig); err != nil {
			return eris.Wrap(err, "json: decode element")
		}
		emit(sig)
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return eris.Wrap(err, "json: read closing token")
	}
	return nil
}

// DecodeJSONLines reads one signal per line, skipping blank lines.
func DecodeJSONLines(ctx context.Context, r io.Reader, emit func(model.RawSignal)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "jsonl: context cancelled")
		}
		b := sc.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		var sig model.RawSignal
		if err := json.Unmarshal(b, &sig); err != nil {
			return eris.Wrapf(err, "jsonl: decode line %d", line)
		}
		emit(sig)
	}
	return eris.Wrap(sc.Err(), "jsonl: scan")
}

// csvSignal is the flat CSV row shape. List fields are pipe separated.
type csvSignal struct {
	model.RawSignal
	CreativeText string `csv:"creative_text,omitempty"`
	Technologies string `csv:"technologies,omitempty"`
}

// DecodeCSV reads signals from a CSV file with a header row whose columns
// match the csv tags of RawSignal.
func DecodeCSV(ctx context.Context, r io.Reader, emit func(model.RawSignal)) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(cr)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "csv: read header")
	}

	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "csv: context cancelled")
		}
		var row csvSignal
		if err := dec.Decode(&row); err == io.EOF {
			return nil
		} else if err != nil {
			return eris.Wrap(err, "csv: decode row")
		}
		sig := row.RawSignal
		sig.Payload.CreativeText = splitList(row.CreativeText)
		sig.Payload.Technologies = splitList(row.Technologies)
		emit(sig)
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, "|")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
