package telegram

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCallContextID(t *testing.T) {
	t.Parallel()

	cid := callContextID(42)
	rest, ok := strings.CutPrefix(cid, "acc:42/")
	if !ok {
		t.Fatalf("context id %q lacks account prefix", cid)
	}
	if _, err := uuid.Parse(rest); err != nil {
		t.Fatalf("context id suffix %q is not a uuid: %v", rest, err)
	}

	// Каждый вызов получает собственный корреляционный id.
	if callContextID(42) == cid {
		t.Fatal("context id repeated between calls")
	}
}
