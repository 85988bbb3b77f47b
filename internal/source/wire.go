package source

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
)

type targetsResponse struct {
	Targets []wireTarget `json:"targets"`
}

type wireTarget struct {
	ID      json.RawMessage `json:"id"`
	Name    string          `json:"name"`
	Enabled *bool           `json:"enabled"`
}

func (t wireTarget) enabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type callLogRequest struct {
	ReportStart    string          `json:"reportStart"`
	ReportEnd      string          `json:"reportEnd"`
	Offset         int             `json:"offset"`
	Size           int             `json:"size"`
	Filters        []reportFilter  `json:"filters"`
	OrderByColumns []reportOrderBy `json:"orderByColumns"`
}

type reportFilter struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

type reportOrderBy struct {
	Column    string `json:"column"`
	Direction string `json:"direction"`
}

type detailRequest struct {
	InboundCallIDs []string `json:"InboundCallIds"`
}

type reportResponse struct {
	Report struct {
		Records []wireCall `json:"records"`
	} `json:"report"`
}

// wireCall is one upstream call row. Fields the detector depends on are
// kept raw and parsed explicitly so malformed values disqualify the record.
type wireCall struct {
	InboundCallID       string          `json:"inboundCallId"`
	InboundPhoneNumber  string          `json:"inboundPhoneNumber"`
	TargetName          string          `json:"targetName"`
	CallDt              json.RawMessage `json:"callDt"`
	CallLengthInSeconds json.RawMessage `json:"callLengthInSeconds"`
	EndCallSource       string          `json:"endCallSource"`
	Events              []wireEvent     `json:"events,omitempty"`
}

type wireEvent struct {
	Name          string         `json:"name"`
	EventValsList []wireEventVal `json:"eventValsList"`
}

type wireEventVal struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (w wireCall) toRecord(entity string) calls.Record {
	name := w.TargetName
	if name == "" {
		name = entity
	}
	r := calls.Record{
		EntityName:  name,
		PhoneNumber: strings.TrimSpace(w.InboundPhoneNumber),
		CallID:      strings.TrimSpace(w.InboundCallID),
		StartedAt:   parseCallTime(w.CallDt),
		Termination: calls.ParseTermination(w.EndCallSource),
	}
	if d, ok := calls.ParseDuration(rawText(w.CallLengthInSeconds)); ok {
		r.Duration = &d
	}
	return r
}

// detail derives the accepted bid for entity from the pricing summary event.
func (w wireCall) detail(entity, pricingEvent, acceptedKey string) calls.Detail {
	d := calls.Detail{CallID: strings.TrimSpace(w.InboundCallID)}
	for _, ev := range w.Events {
		if ev.Name != pricingEvent {
			continue
		}
		for _, kv := range ev.EventValsList {
			if kv.Key == acceptedKey {
				d.Bid = calls.ParseAcceptedBid(rawText(kv.Value), entity)
				return d
			}
		}
	}
	return d
}

// rawText returns a JSON string's contents, a bare scalar's literal text,
// or "" for null and structured values.
func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '{', '[':
		return ""
	default:
		return string(raw)
	}
}

var callTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseCallTime accepts RFC3339-style strings or epoch milliseconds.
func parseCallTime(raw json.RawMessage) time.Time {
	s := strings.TrimSpace(rawText(raw))
	if s == "" {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	for _, layout := range callTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
