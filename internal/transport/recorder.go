package transport

import (
	"context"
	"encoding/json"
	"sync"
)

// Recorder is an in-memory Sink for demos and tests. Payloads are stored
// as their JSON encoding, exactly as the HTTP sink would post them.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

type Record struct {
	Endpoint string
	Body     json.RawMessage
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(_ context.Context, endpoint string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{Endpoint: endpoint, Body: body})
}

// Records returns every payload sent to endpoint, or all payloads when
// endpoint is empty.
func (r *Recorder) Records(endpoint string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if endpoint == "" || rec.Endpoint == endpoint {
			out = append(out, rec)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
}

// Discard drops every payload.
type Discard struct{}

func (Discard) Send(context.Context, string, any) {}
