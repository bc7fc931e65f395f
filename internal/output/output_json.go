package output

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

type jsonHop struct {
	Type     string    `json:"type"`
	TTL      uint8     `json:"ttl"`
	Query    int       `json:"query"`
	IP       string    `json:"ip,omitempty"`
	PTR      string    `json:"ptr,omitempty"`
	RTT      int64     `json:"rtt"` // RTT in microseconds
	Timeout  bool      `json:"timeout"`
	Final    bool      `json:"final"`
	RecvTime time.Time `json:"recv_time,omitzero"`
}

type jsonTrace struct {
	Type            string `json:"type"`
	Destination     string `json:"destination"`
	DestinationIP   string `json:"destination_ip"`
	DestinationPort uint16 `json:"destination_port"`
	SourceIP        string `json:"source_ip"`
	SourcePort      uint16 `json:"source_port"`
	ReachedDest     bool   `json:"reached_dest"`
	Hops            int    `json:"hops"`
}

// JSONOutput writes one JSON object per line: a "hop" object for every
// probe outcome and a "trace" object when the trace completes.
type JSONOutput struct {
	mu       sync.Mutex
	file     io.WriteCloser
	enc      *json.Encoder
	toStdout bool
}

// NewJSONOutput writes to filename, or to stdout when filename is empty.
func NewJSONOutput(filename string) (*JSONOutput, error) {
	if filename == "" {
		return &JSONOutput{
			file:     os.Stdout,
			enc:      json.NewEncoder(os.Stdout),
			toStdout: true,
		}, nil
	}
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	return &JSONOutput{
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

func (j *JSONOutput) UpdateHop(hop Hop) {
	h := jsonHop{
		Type:     "hop",
		TTL:      hop.TTL,
		Query:    hop.Query,
		PTR:      hop.PTR,
		RTT:      hop.RTT.Microseconds(),
		Timeout:  hop.Timeout,
		Final:    hop.Final,
		RecvTime: hop.RecvTime,
	}
	if hop.Addr.IsValid() {
		h.IP = hop.Addr.String()
	}
	j.encode(h)
}

func (j *JSONOutput) Complete(trace Trace) {
	j.encode(jsonTrace{
		Type:            "trace",
		Destination:     trace.Destination,
		DestinationIP:   trace.DstIP.String(),
		DestinationPort: trace.DstPort,
		SourceIP:        trace.SrcIP.String(),
		SourcePort:      trace.SrcPort,
		ReachedDest:     trace.Reached,
		Hops:            trace.Hops,
	})
}

func (j *JSONOutput) encode(v any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(v)
}

func (j *JSONOutput) Close() error {
	if j.toStdout {
		return nil
	}
	return j.file.Close()
}
