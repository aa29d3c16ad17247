package id_test

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cliu238/vacalibration/id"
)

func TestPrefixes(t *testing.T) {
	tests := []struct {
		got  id.ID
		want id.Prefix
	}{
		{id.NewJobID(), id.PrefixJob},
		{id.NewBatchID(), id.PrefixBatch},
		{id.NewHandleID(), id.PrefixHandle},
		{id.NewWorkerID(), id.PrefixWorker},
		{id.NewSubscriberID(), id.PrefixSubscriber},
	}
	for _, tt := range tests {
		if tt.got.Prefix() != tt.want {
			t.Errorf("prefix = %q, want %q", tt.got.Prefix(), tt.want)
		}
		if !strings.HasPrefix(tt.got.String(), string(tt.want)+"_") {
			t.Errorf("string %q lacks prefix %q", tt.got, tt.want)
		}
	}
}

func TestJobIDsAreUniqueAndSortByCreation(t *testing.T) {
	seen := make(map[string]bool)
	for range 200 {
		s := id.NewJobID().String()
		if seen[s] {
			t.Fatalf("duplicate id %q", s)
		}
		seen[s] = true
	}

	first := id.NewJobID().String()
	time.Sleep(2 * time.Millisecond)
	second := id.NewJobID().String()
	if !sort.StringsAreSorted([]string{first, second}) {
		t.Error("ids created a millisecond apart are out of order")
	}
}

func TestParseAs(t *testing.T) {
	jobID := id.NewJobID()
	got, err := id.ParseJobID(jobID.String())
	if err != nil {
		t.Fatalf("ParseJobID: %v", err)
	}
	if got.String() != jobID.String() {
		t.Errorf("round trip: got %q, want %q", got, jobID)
	}

	if _, err := id.ParseBatchID(jobID.String()); err == nil {
		t.Error("ParseBatchID accepted a job id")
	}
	if _, err := id.ParseHandleID(id.NewBatchID().String()); err == nil {
		t.Error("ParseHandleID accepted a batch id")
	}
	for _, bad := range []string{"", "job", "job_", "not an id", "job_!!!"} {
		if _, err := id.ParseJobID(bad); err == nil {
			t.Errorf("ParseJobID(%q) should fail", bad)
		}
	}
}

func TestNil(t *testing.T) {
	var zero id.ID
	if !zero.IsNil() || !id.Nil.IsNil() {
		t.Fatal("zero value should be Nil")
	}
	if zero.String() != "" || zero.Prefix() != "" {
		t.Errorf("Nil renders as %q/%q", zero.String(), zero.Prefix())
	}
	if id.NewJobID().IsNil() {
		t.Error("fresh id reported Nil")
	}
}

func TestJSON(t *testing.T) {
	type record struct {
		Job    id.JobID   `json:"job"`
		Parent id.JobID   `json:"parent"`
		Batch  id.BatchID `json:"batch"`
	}
	in := record{Job: id.NewJobID(), Batch: id.NewBatchID()}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"parent":""`) {
		t.Errorf("Nil parent encoded as %s", data)
	}

	var out record
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Job.String() != in.Job.String() || out.Batch.String() != in.Batch.String() || !out.Parent.IsNil() {
		t.Errorf("got %+v, want %+v", out, in)
	}

	if err := json.Unmarshal([]byte(`{"job":"garbage"}`), &out); err == nil {
		t.Error("invalid id should fail to decode")
	}
}
