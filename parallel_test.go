package credvault

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
)

func storedRecords(t *testing.T, codec *RecordCodec, key []byte, n int) []StoredRecord {
	t.Helper()
	out := make([]StoredRecord, n)
	for i := range out {
		rec := &AccountRecord{Username: fmt.Sprintf("user%d", i), Password: "pw"}
		env, err := codec.Encode(rec, key)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = StoredRecord{ID: fmt.Sprintf("rec-%d", i), Envelope: *env}
	}
	return out
}

func corrupt(env *RecordEnvelope) {
	raw, _ := base64.StdEncoding.DecodeString(env.Ciphertext)
	raw[0] ^= 0xff
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)
}

func TestDecodeAll_SkipsCorrupt(t *testing.T) {
	configs := map[string]ParallelConfig{
		"sequential": {Enabled: false},
		"parallel":   {Enabled: true, MaxWorkers: 3, MinRecordsForParallel: 2},
	}

	for name, cfg := range configs {
		t.Run(name, func(t *testing.T) {
			codec := newTestCodec(t)
			key := testKey(7)
			stored := storedRecords(t, codec, key, 6)
			corrupt(&stored[3].Envelope)

			result, err := codec.DecodeAll(context.Background(), key, stored, cfg)
			if err != nil {
				t.Fatalf("DecodeAll() error = %v", err)
			}
			if len(result.Records) != 5 {
				t.Errorf("loaded %d records, want 5", len(result.Records))
			}
			if result.SkippedCount() != 1 || result.Skipped[0].ID != "rec-3" {
				t.Fatalf("skipped = %+v, want rec-3", result.Skipped)
			}
			if !IsDecodeError(result.Skipped[0].Err) {
				t.Errorf("skip reason = %v, want DecodeError", result.Skipped[0].Err)
			}

			// Input order is preserved
			want := []string{"rec-0", "rec-1", "rec-2", "rec-4", "rec-5"}
			for i, rec := range result.Records {
				if rec.ID != want[i] {
					t.Errorf("Records[%d].ID = %s, want %s", i, rec.ID, want[i])
				}
			}
		})
	}
}

func TestDecodeAll_Empty(t *testing.T) {
	codec := newTestCodec(t)
	result, err := codec.DecodeAll(context.Background(), testKey(1), nil, DefaultParallelConfig())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Records) != 0 || result.SkippedCount() != 0 {
		t.Errorf("empty load = %+v", result)
	}
}

func TestDecodeAll_Cancelled(t *testing.T) {
	codec := newTestCodec(t)
	key := testKey(8)
	stored := storedRecords(t, codec, key, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := codec.DecodeAll(ctx, key, stored, ParallelConfig{Enabled: false})
	if err != context.Canceled {
		t.Fatalf("DecodeAll() error = %v, want context.Canceled", err)
	}
	if result.SkippedCount() != len(stored) {
		t.Errorf("skipped = %d, want %d", result.SkippedCount(), len(stored))
	}
}

func TestParallelConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ParallelConfig
		wantErr bool
	}{
		{"default", DefaultParallelConfig(), false},
		{"disabled", ParallelConfig{}, false},
		{"too many workers", ParallelConfig{Enabled: true, MaxWorkers: 2000, MinRecordsForParallel: 1}, true},
		{"threshold too high", ParallelConfig{Enabled: true, MaxWorkers: 1, MinRecordsForParallel: 5000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
