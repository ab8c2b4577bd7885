package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "liqflow/config"
	"liqflow/internal/models"
	"liqflow/logger"
)

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// parquetRecord defines the schema for archived liquidation rows.
type parquetRecord struct {
	ID         string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventTime  int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Quantity   float64 `parquet:"name=quantity, type=DOUBLE"`
	Value      float64 `parquet:"name=value, type=DOUBLE"`
	TimeSource string  `parquet:"name=time_source, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Archiver writes expired liquidation rows to S3 as compressed parquet files
// before the retention sweeper deletes them.
type Archiver struct {
	s3Client    *s3.Client
	bucket      string
	compression parquet.CompressionCodec
	log         *logger.Log
}

// New builds an archiver from the archive configuration. It fails when the
// bucket is missing or the AWS configuration cannot be loaded.
func New(cfg appconfig.ArchiveConfig) (*Archiver, error) {
	log := logger.GetLogger()

	bucket := strings.TrimSpace(cfg.S3.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3.AccessKeyID,
				cfg.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})

	a := &Archiver{
		s3Client:    s3Client,
		bucket:      bucket,
		compression: compressionCodec(cfg.Compression),
		log:         log,
	}

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":      bucket,
		"region":      cfg.S3.Region,
		"endpoint":    cfg.S3.Endpoint,
		"path_style":  cfg.S3.PathStyle,
		"compression": cfg.Compression,
	}).Info("archiver initialized")

	return a, nil
}

// Archive encodes the records as a single parquet object and uploads it. An
// empty batch is a no-op.
func (a *Archiver) Archive(ctx context.Context, records []models.LiquidationRecord) error {
	if len(records) == 0 {
		return nil
	}

	data, err := createParquet(records, a.compression)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}

	key := objectKey(records)
	input := &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}

	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(records),
		"bytes":   len(data),
	}).Info("archived liquidation batch")

	return nil
}

func createParquet(records []models.LiquidationRecord, compression parquet.CompressionCodec) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(parquetRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = compression

	for _, rec := range records {
		row := parquetRecord{
			ID:         rec.ID,
			EventTime:  rec.Timestamp.UTC().UnixMilli(),
			Symbol:     rec.Symbol,
			Side:       string(rec.Side),
			Price:      rec.Price,
			Quantity:   rec.Quantity,
			Value:      rec.Value,
			TimeSource: string(rec.TimeSource),
		}
		if err := pw.Write(row); err != nil {
			return nil, err
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, err
	}

	return mf.Bytes(), nil
}

// objectKey partitions archives by the newest event time in the batch so
// downstream table scans can prune by date and hour.
func objectKey(records []models.LiquidationRecord) string {
	var newest time.Time
	for _, rec := range records {
		if rec.Timestamp.After(newest) {
			newest = rec.Timestamp
		}
	}
	if newest.IsZero() {
		newest = time.Now().UTC()
	}
	newest = newest.UTC()

	parts := []string{
		"liquidations",
		fmt.Sprintf("date=%04d-%02d-%02d", newest.Year(), newest.Month(), newest.Day()),
		fmt.Sprintf("hour=%02d", newest.Hour()),
		fmt.Sprintf("%s.parquet", uuid.NewString()),
	}
	return filepath.ToSlash(filepath.Join(parts...))
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}
