package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

func readAll(t *testing.T, lr *LineReader) []string {
	t.Helper()
	var out []string
	for {
		v, err := lr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		out = append(out, string(v))
	}
}

func TestLineReader_YieldsEachValueOnce(t *testing.T) {
	input := `{"id":1}` + "\n" + `{"id":2}` + "\n" + `{"id":3}` + "\n"
	lr := NewLineReader(strings.NewReader(input), 0, nil)

	got := readAll(t, lr)
	want := []string{`{"id":1}`, `{"id":2}`, `{"id":3}`}
	if len(got) != len(want) {
		t.Fatalf("got %d values, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("value %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLineReader_DropsNonJSONLines(t *testing.T) {
	input := "starting up...\n" + `{"id":1}` + "\n" + "WARN something happened\n" + `{"id":2}` + "\n"
	lr := NewLineReader(strings.NewReader(input), 0, nil)

	got := readAll(t, lr)
	if len(got) != 2 {
		t.Fatalf("got %d values, want 2: %v", len(got), got)
	}
	if got[0] != `{"id":1}` || got[1] != `{"id":2}` {
		t.Errorf("values = %v", got)
	}
}

func TestLineReader_TrimsWhitespace(t *testing.T) {
	input := "  \t{\"id\":1}\r\n\n   \n"
	lr := NewLineReader(strings.NewReader(input), 0, nil)

	got := readAll(t, lr)
	if len(got) != 1 {
		t.Fatalf("got %d values, want 1: %v", len(got), got)
	}
	if got[0] != `{"id":1}` {
		t.Errorf("value = %q, want %q", got[0], `{"id":1}`)
	}
}

func TestLineReader_PreservesInteriorCarriageReturns(t *testing.T) {
	input := `{"msg":"a\rb"}` + "\n"
	lr := NewLineReader(strings.NewReader(input), 0, nil)

	got := readAll(t, lr)
	if len(got) != 1 {
		t.Fatalf("got %d values, want 1", len(got))
	}
	var parsed struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal([]byte(got[0]), &parsed); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if parsed.Msg != "a\rb" {
		t.Errorf("msg = %q, want %q", parsed.Msg, "a\rb")
	}
}

func TestLineReader_DiscardsOversizedLine(t *testing.T) {
	// One line well past the 64-byte cap, then a normal one.
	big := fmt.Sprintf(`{"pad":%q}`, strings.Repeat("x", 200))
	input := big + "\n" + `{"id":9}` + "\n"
	lr := NewLineReader(strings.NewReader(input), 64, nil)

	got := readAll(t, lr)
	if len(got) != 1 {
		t.Fatalf("got %d values, want 1: %v", len(got), got)
	}
	if got[0] != `{"id":9}` {
		t.Errorf("value = %q, want %q", got[0], `{"id":9}`)
	}
}

func TestLineReader_FinalLineWithoutNewline(t *testing.T) {
	input := `{"id":1}` + "\n" + `{"id":2}`
	lr := NewLineReader(strings.NewReader(input), 0, nil)

	got := readAll(t, lr)
	if len(got) != 2 {
		t.Fatalf("got %d values, want 2: %v", len(got), got)
	}
	if got[1] != `{"id":2}` {
		t.Errorf("final value = %q, want %q", got[1], `{"id":2}`)
	}
}

func TestLineWriter_TerminatesWithNewline(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLineWriter(&buf)

	if err := lw.Write(map[string]int{"id": 1}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	out := buf.String()
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("output %q does not end with newline", out)
	}
	if strings.Count(out, "\n") != 1 {
		t.Errorf("output %q has %d newlines, want 1", out, strings.Count(out, "\n"))
	}
}

func TestLineWriter_ConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLineWriter(&buf)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := lw.Write(map[string]int{"seq": i}); err != nil {
				t.Errorf("Write(%d) error = %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != n {
		t.Fatalf("got %d lines, want %d", len(lines), n)
	}
	seen := make(map[int]bool)
	for _, line := range lines {
		var v struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", line, err)
		}
		if seen[v.Seq] {
			t.Errorf("seq %d written twice", v.Seq)
		}
		seen[v.Seq] = true
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestLineWriter_SinkClosed(t *testing.T) {
	lw := NewLineWriter(failingWriter{})

	err := lw.Write(map[string]int{"id": 1})
	if !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("Write() after sink failure error = %v, want ErrSinkClosed", err)
	}

	var buf bytes.Buffer
	lw = NewLineWriter(&buf)
	if err := lw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := lw.Write(map[string]int{"id": 2}); !errors.Is(err, ErrSinkClosed) {
		t.Fatalf("Write() after Close error = %v, want ErrSinkClosed", err)
	}
	if buf.Len() != 0 {
		t.Errorf("closed writer produced output %q", buf.String())
	}
}
