package source

import (
	"context"
	"net/url"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
)

const archivedRows = `[
 {"inboundCallId":"a","inboundPhoneNumber":"5550001","callLengthInSeconds":"12","endCallSource":"target",
  "events":[{"name":"PricingSummary","eventValsList":[{"key":"acceptedTargets","value":"Acme Insurance[$4.00]"}]}]},
 {"inboundCallId":"b","inboundPhoneNumber":"5550002","callLengthInSeconds":"9","endCallSource":"caller"}
]`

func writeObject(t *testing.T, bucket *blob.Bucket, key string, data []byte) {
	t.Helper()
	if err := bucket.WriteAll(context.Background(), key, data, nil); err != nil {
		t.Fatalf("write %s: %v", key, err)
	}
}

func newArchive(t *testing.T) (*ArchiveSource, *blob.Bucket) {
	t.Helper()
	bucket := memblob.OpenBucket(nil)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll([]byte(archivedRows), nil)
	enc.Close()

	writeObject(t, bucket, "calls/2024-03-04/"+url.PathEscape("Acme Insurance")+".json.zst", compressed)
	writeObject(t, bucket, "calls/2024-03-04/Beta.json", []byte(`{"report":{"records":[{"inboundCallId":"z","callLengthInSeconds":3}]}}`))
	writeObject(t, bucket, "calls/2024-03-04/notes.txt", []byte("ignored"))
	writeObject(t, bucket, "calls/2024-03-05/Gamma.json", []byte(`[]`))

	src, err := NewArchiveSource(bucket, SourceConfig{
		Mode:          "archive",
		ArchivePrefix: "calls/",
		ArchiveDate:   "2024-03-04",
	})
	if err != nil {
		t.Fatalf("NewArchiveSource failed: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src, bucket
}

func TestArchiveListEntities(t *testing.T) {
	src, _ := newArchive(t)
	names, err := src.ListEntities(context.Background())
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "Acme Insurance" || names[1] != "Beta" {
		t.Errorf("entities = %v", names)
	}
}

func TestArchiveFetchCallsAndDetails(t *testing.T) {
	ctx := context.Background()
	src, _ := newArchive(t)
	day := calls.OperatingDay(time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC), time.UTC)

	records, err := src.FetchCalls(ctx, "Acme Insurance", day)
	if err != nil {
		t.Fatalf("FetchCalls failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if !records[0].EndedByTarget() || records[1].EndedByTarget() {
		t.Errorf("terminations = %v, %v", records[0].Termination, records[1].Termination)
	}

	details, err := src.FetchDetails(ctx, "Acme Insurance", []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("FetchDetails failed: %v", err)
	}
	if d := details["a"]; d.Bid == nil || d.Bid.String() != "4" {
		t.Errorf("bid for a = %v", d.Bid)
	}
	if d, ok := details["b"]; !ok || d.Bid != nil {
		t.Errorf("detail for b = %+v, %v", d, ok)
	}
	if _, ok := details["missing"]; ok {
		t.Error("unknown call should have no detail")
	}

	beta, err := src.FetchCalls(ctx, "Beta", day)
	if err != nil || len(beta) != 1 {
		t.Errorf("Beta = %v, %v", beta, err)
	}

	none, err := src.FetchCalls(ctx, "Nobody", day)
	if err != nil || len(none) != 0 {
		t.Errorf("missing entity = %v, %v", none, err)
	}
}

func TestArchiveFollowsOperatingDay(t *testing.T) {
	src, _ := newArchive(t)
	src.cfg.ArchiveDate = ""
	src.now = func() time.Time { return time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC) }

	names, err := src.ListEntities(context.Background())
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(names) != 1 || names[0] != "Gamma" {
		t.Errorf("entities = %v, want [Gamma]", names)
	}
}

func TestNewCallSourceModes(t *testing.T) {
	ctx := context.Background()
	if _, err := NewCallSource(ctx, SourceConfig{Mode: "carrier-pigeon"}, nil); err == nil {
		t.Error("unknown mode should fail")
	}
	src, err := NewCallSource(ctx, SourceConfig{Mode: "archive", ArchiveURL: "mem://"}, nil)
	if err != nil {
		t.Fatalf("archive mode: %v", err)
	}
	src.Close()
}
