package memory

import (
	"testing"

	"github.com/ggoodman/installsession-go/journal"
	"github.com/ggoodman/installsession-go/journal/journaltest"
)

func TestMemoryStore(t *testing.T) {
	journaltest.RunStoreTests(t, func(t *testing.T) journal.Store {
		return New()
	})
}
