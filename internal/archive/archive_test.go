package archive

import (
	"strings"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go/parquet"

	"liqflow/internal/models"
)

func sampleRecords(t *testing.T) []models.LiquidationRecord {
	t.Helper()
	base := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	return []models.LiquidationRecord{
		models.NewLiquidationRecord(base, "BTC-USD", models.SideSell, 65000, 0.5, models.TimeSourceExchange),
		models.NewLiquidationRecord(base.Add(time.Minute), "ETH-USD", models.SideBuy, 3200, 2, models.TimeSourceReceipt),
	}
}

func TestCreateParquet(t *testing.T) {
	data, err := createParquet(sampleRecords(t), parquet.CompressionCodec_SNAPPY)
	if err != nil {
		t.Fatalf("createParquet: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty parquet payload")
	}
	// Parquet files start and end with the PAR1 magic.
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatalf("payload missing parquet magic markers")
	}
}

func TestCreateParquetUncompressed(t *testing.T) {
	data, err := createParquet(sampleRecords(t), parquet.CompressionCodec_UNCOMPRESSED)
	if err != nil {
		t.Fatalf("createParquet: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty parquet payload")
	}
}

func TestObjectKeyPartitioning(t *testing.T) {
	records := sampleRecords(t)
	key := objectKey(records)

	if !strings.HasPrefix(key, "liquidations/date=2025-03-14/hour=09/") {
		t.Errorf("unexpected key prefix: %s", key)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Errorf("key missing parquet suffix: %s", key)
	}

	// Keys embed a fresh UUID each time.
	if objectKey(records) == key {
		t.Error("expected unique object keys per batch")
	}
}

func TestObjectKeyEmptyBatchUsesNow(t *testing.T) {
	key := objectKey(nil)
	if !strings.HasPrefix(key, "liquidations/date=") {
		t.Errorf("unexpected key: %s", key)
	}
}

func TestCompressionCodec(t *testing.T) {
	tests := []struct {
		name string
		want parquet.CompressionCodec
	}{
		{"snappy", parquet.CompressionCodec_SNAPPY},
		{"gzip", parquet.CompressionCodec_GZIP},
		{"none", parquet.CompressionCodec_UNCOMPRESSED},
		{"", parquet.CompressionCodec_SNAPPY},
		{"unknown", parquet.CompressionCodec_SNAPPY},
	}

	for _, tt := range tests {
		if got := compressionCodec(tt.name); got != tt.want {
			t.Errorf("compressionCodec(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
