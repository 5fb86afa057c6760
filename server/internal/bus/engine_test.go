package bus

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openvoiceos/ovos-messagebus/server/internal/metrics"
	"github.com/openvoiceos/ovos-messagebus/server/internal/registry"
)

const testMaxBytes = 256

// --- helpers ----------------------------------------------------------------

// recorder is an in-memory registry.Outbound.
type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	fail   error
	closed bool
}

func (r *recorder) Send(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) messages(t *testing.T) []map[string]interface{} {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(r.frames))
	for _, f := range r.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("recipient got invalid JSON %q: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

type fixture struct {
	reg     *registry.Registry
	engine  *Engine
	metrics *metrics.Metrics
	conns   map[registry.ID]*recorder
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.New(0),
		metrics: metrics.Discard(),
		conns:   make(map[registry.ID]*recorder),
	}
	f.engine = New(f.reg, testMaxBytes, f.metrics)
	for i := 0; i < n; i++ {
		f.add(t)
	}
	return f
}

func (f *fixture) add(t *testing.T) registry.ID {
	t.Helper()
	rec := &recorder{}
	id, err := f.reg.Register(rec)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	f.conns[id] = rec
	return id
}

func (f *fixture) send(t *testing.T, src registry.ID, frame string) (int, error) {
	t.Helper()
	return f.engine.Handle(src, []byte(frame))
}

func assertCount(t *testing.T, f *fixture, id registry.ID, want int) {
	t.Helper()
	if got := len(f.conns[id].messages(t)); got != want {
		t.Errorf("conn %d: got %d messages, want %d", id, got, want)
	}
}

// --- tests ------------------------------------------------------------------

func TestHandle_Scenario(t *testing.T) {
	f := newFixture(t, 3)

	n, err := f.send(t, 1, `{"type":"ping"}`)
	if err != nil {
		t.Fatalf("Handle ping: %v", err)
	}
	if n != 2 {
		t.Errorf("delivered: got %d, want 2", n)
	}

	want := map[string]interface{}{
		"type":    "ping",
		"data":    map[string]interface{}{},
		"context": map[string]interface{}{},
	}
	for _, id := range []registry.ID{2, 3} {
		msgs := f.conns[id].messages(t)
		if len(msgs) != 1 {
			t.Fatalf("conn %d: got %d messages, want 1", id, len(msgs))
		}
		if !reflect.DeepEqual(msgs[0], want) {
			t.Errorf("conn %d: got %v, want %v", id, msgs[0], want)
		}
	}
	assertCount(t, f, 1, 0)

	if _, err := f.send(t, 1, `{"type":"pong","context":{"destination":[2]}}`); err != nil {
		t.Fatalf("Handle pong: %v", err)
	}
	assertCount(t, f, 1, 0)
	assertCount(t, f, 2, 2)
	assertCount(t, f, 3, 1)

	last := f.conns[2].messages(t)[1]
	if last["type"] != "pong" {
		t.Errorf("conn 2 second message type: got %v, want pong", last["type"])
	}
}

func TestHandle_BroadcastPreservesEnvelope(t *testing.T) {
	f := newFixture(t, 2)
	frame := `{"type":"speak","data":{"utterance":"hello","n":1.5},"context":{"session":{"id":"x"}},"extra_key":[1,2]}`

	if _, err := f.send(t, 1, frame); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var want map[string]interface{}
	json.Unmarshal([]byte(frame), &want) //nolint:errcheck
	got := f.conns[2].messages(t)[0]
	if !reflect.DeepEqual(got, want) {
		t.Errorf("relayed envelope changed:\n got  %v\n want %v", got, want)
	}
}

func TestHandle_DirectIncludesSelfWhenListed(t *testing.T) {
	f := newFixture(t, 3)
	if _, err := f.send(t, 1, `{"type":"t","context":{"destination":[1,3]}}`); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	assertCount(t, f, 1, 1)
	assertCount(t, f, 2, 0)
	assertCount(t, f, 3, 1)
}

func TestHandle_DirectSkipsUnknownIDs(t *testing.T) {
	f := newFixture(t, 3)
	n, err := f.send(t, 1, `{"type":"t","context":{"destination":[42,2,"3"]}}`)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n != 2 {
		t.Errorf("delivered: got %d, want 2", n)
	}
	assertCount(t, f, 1, 0)
	assertCount(t, f, 2, 1)
	assertCount(t, f, 3, 1)
}

func TestHandle_DirectOnlyUnknownIDs(t *testing.T) {
	f := newFixture(t, 2)
	n, err := f.send(t, 1, `{"type":"t","context":{"destination":[99]}}`)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n != 0 {
		t.Errorf("delivered: got %d, want 0", n)
	}
	assertCount(t, f, 1, 0)
	assertCount(t, f, 2, 0)
}

func TestHandle_NamedDestinationBroadcasts(t *testing.T) {
	f := newFixture(t, 3)
	n, err := f.send(t, 1, `{"type":"t","context":{"destination":["audio"]}}`)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n != 2 {
		t.Errorf("delivered: got %d, want 2", n)
	}
}

func TestHandle_Oversize(t *testing.T) {
	f := newFixture(t, 2)
	frame := `{"type":"big","data":{"blob":"` + strings.Repeat("x", testMaxBytes) + `"}}`

	_, err := f.send(t, 1, frame)
	if !errors.Is(err, ErrOversizeMessage) {
		t.Fatalf("Handle: got %v, want ErrOversizeMessage", err)
	}
	assertCount(t, f, 2, 0)

	msgs := f.conns[1].messages(t)
	if len(msgs) != 1 {
		t.Fatalf("sender: got %d messages, want 1", len(msgs))
	}
	if msgs[0]["type"] != ErrorType {
		t.Errorf("type: got %v, want %s", msgs[0]["type"], ErrorType)
	}
	data := msgs[0]["data"].(map[string]interface{})
	if data["error"] != CodeMessageTooLarge {
		t.Errorf("error code: got %v, want %s", data["error"], CodeMessageTooLarge)
	}
	if data["max_bytes"].(float64) != testMaxBytes {
		t.Errorf("max_bytes: got %v, want %d", data["max_bytes"], testMaxBytes)
	}
	if got := testutil.ToFloat64(f.metrics.FramesRejected.WithLabelValues(metrics.ReasonOversize)); got != 1 {
		t.Errorf("oversize counter: got %v, want 1", got)
	}
}

func TestHandle_ExactLimitAccepted(t *testing.T) {
	f := newFixture(t, 2)
	prefix := `{"type":"t","data":{"s":"`
	suffix := `"}}`
	frame := prefix + strings.Repeat("y", testMaxBytes-len(prefix)-len(suffix)) + suffix
	if len(frame) != testMaxBytes {
		t.Fatalf("test frame is %d bytes, want %d", len(frame), testMaxBytes)
	}
	if _, err := f.send(t, 1, frame); err != nil {
		t.Fatalf("Handle at limit: %v", err)
	}
	assertCount(t, f, 2, 1)
}

func TestRejectOversize_ReportsFullSize(t *testing.T) {
	f := newFixture(t, 1)
	if err := f.engine.RejectOversize(1, 10_000); !errors.Is(err, ErrOversizeMessage) {
		t.Fatalf("RejectOversize: got %v, want ErrOversizeMessage", err)
	}
	data := f.conns[1].messages(t)[0]["data"].(map[string]interface{})
	if data["size"].(float64) != 10_000 {
		t.Errorf("size: got %v, want 10000", data["size"])
	}
}

func TestHandle_Malformed(t *testing.T) {
	frames := []string{
		`not json`,
		`{"data":{}}`,
		`{"type":""}`,
		`["type"]`,
		`{"type":"x","data":[]}`,
	}
	for _, frame := range frames {
		t.Run(frame, func(t *testing.T) {
			f := newFixture(t, 2)
			_, err := f.send(t, 1, frame)
			if !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("Handle: got %v, want ErrMalformedEnvelope", err)
			}
			assertCount(t, f, 2, 0)

			msgs := f.conns[1].messages(t)
			if len(msgs) != 1 {
				t.Fatalf("sender: got %d messages, want 1", len(msgs))
			}
			data := msgs[0]["data"].(map[string]interface{})
			if data["error"] != CodeMalformedEnvelope {
				t.Errorf("error code: got %v, want %s", data["error"], CodeMalformedEnvelope)
			}
			if f.reg.Len() != 2 {
				t.Errorf("sender was unregistered for a malformed frame")
			}
		})
	}
}

func TestHandle_DeliveryFailureDropsOnlyRecipient(t *testing.T) {
	f := newFixture(t, 4)
	f.conns[2].fail = errors.New("queue full")

	n, err := f.send(t, 1, `{"type":"t"}`)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if n != 2 {
		t.Errorf("delivered: got %d, want 2", n)
	}
	assertCount(t, f, 3, 1)
	assertCount(t, f, 4, 1)

	if _, ok := f.reg.Lookup(2); ok {
		t.Error("failed recipient still registered")
	}
	if !f.conns[2].closed {
		t.Error("failed recipient not closed")
	}
	if got := testutil.ToFloat64(f.metrics.DeliveryFailures); got != 1 {
		t.Errorf("delivery failures: got %v, want 1", got)
	}

	// Later broadcasts no longer attempt the dropped connection.
	f.conns[2].fail = nil
	f.send(t, 1, `{"type":"t2"}`) //nolint:errcheck
	assertCount(t, f, 2, 0)
}

func TestHandle_UnregisteredNotDelivered(t *testing.T) {
	f := newFixture(t, 3)
	f.reg.Unregister(3)
	f.reg.Unregister(3)

	f.send(t, 1, `{"type":"t"}`) //nolint:errcheck
	assertCount(t, f, 2, 1)
	assertCount(t, f, 3, 0)
}

func TestHandle_PerSenderOrder(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 50; i++ {
		f.send(t, 1, `{"type":"seq","data":{"i":`+itoa(i)+`}}`) //nolint:errcheck
	}
	msgs := f.conns[2].messages(t)
	if len(msgs) != 50 {
		t.Fatalf("got %d messages, want 50", len(msgs))
	}
	for i, m := range msgs {
		if got := m["data"].(map[string]interface{})["i"].(float64); int(got) != i {
			t.Fatalf("message %d: got i=%v", i, got)
		}
	}
}

func TestHandle_ConcurrentSenders(t *testing.T) {
	f := newFixture(t, 5)
	var wg sync.WaitGroup
	for src := registry.ID(1); src <= 5; src++ {
		wg.Add(1)
		go func(src registry.ID) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				f.engine.Handle(src, []byte(`{"type":"t"}`)) //nolint:errcheck
			}
		}(src)
	}
	wg.Wait()

	for id := registry.ID(1); id <= 5; id++ {
		assertCount(t, f, id, 80)
	}
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
