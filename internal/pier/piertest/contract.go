package piertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dayuer/pierbridge/internal/pier"
)

// RunContract checks the parts of the Pier contract that hold without a live
// network: a non-empty id, a bounded and repeatable Shutdown, a positive length
// limit when one is advertised, and a TransportFailure when sending before
// Connect.
func RunContract(t *testing.T, p pier.Pier) {
	t.Helper()

	t.Run("Contract/ID_NonEmpty", func(t *testing.T) {
		assert.NotEmpty(t, p.ID(), "Pier.ID() must return a non-empty string")
	})

	t.Run("Contract/Limit_Positive", func(t *testing.T) {
		if l, ok := p.(pier.Limiter); ok {
			assert.Positive(t, l.MaxMessageLength())
		}
	})

	t.Run("Contract/Send_BeforeConnect", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err := p.SendMessage(ctx, "nowhere", "hello")
		if assert.Error(t, err) {
			assert.Equal(t, pier.TransportFailure, pier.SendErrorKindOf(err))
		}
	})

	t.Run("Contract/Shutdown_Repeatable", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			p.Shutdown()
			p.Shutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Shutdown did not return")
		}
	})
}
