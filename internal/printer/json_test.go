package printer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/funnyzak/mocktap/internal/logger"
)

func TestJSONPrinter_PrintExchange(t *testing.T) {
	p := NewJSONPrinter(logger.Nop())
	buf := &bytes.Buffer{}
	p.SetOutput(buf)

	for i := 0; i < 2; i++ {
		if err := p.PrintExchange(sampleExchange()); err != nil {
			t.Fatalf("print exchange failed: %v", err)
		}
	}

	scanner := bufio.NewScanner(buf)
	var seqs []float64
	for scanner.Scan() {
		var decoded map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		if decoded["type"] != "exchange" {
			t.Fatalf("unexpected type: %v", decoded["type"])
		}
		ex := decoded["exchange"].(map[string]interface{})
		if ex["outcome"] != "replayed" {
			t.Fatalf("unexpected outcome: %v", ex["outcome"])
		}
		seqs = append(seqs, decoded["seq"].(float64))
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("unexpected sequence numbers: %v", seqs)
	}
}
