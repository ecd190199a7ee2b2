package archive

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Exporter materialises settlement reports for downstream reconciliation.
// Each run writes a CSV for operators and a Parquet file for the analytics
// pipeline into a dated directory.
type Exporter struct {
	archive   *Archive
	outputDir string
	nowFn     func() time.Time
}

// ExportResult references the artefacts generated by one run.
type ExportResult struct {
	CSVPath     string
	ParquetPath string
	Count       int
}

// NewExporter builds a configured exporter.
func NewExporter(a *Archive, outputDir string) (*Exporter, error) {
	if a == nil {
		return nil, errors.New("archive: exporter requires a store")
	}
	dir := strings.TrimSpace(outputDir)
	if dir == "" {
		dir = filepath.Join("pulse-data", "exports")
	}
	return &Exporter{archive: a, outputDir: dir, nowFn: time.Now}, nil
}

// SetNowFunc overrides the timestamp source (used by tests).
func (e *Exporter) SetNowFunc(now func() time.Time) {
	if now != nil {
		e.nowFn = now
	}
}

// Export writes every recorded settlement, enriched with trade counts and
// summed volume, to CSV and Parquet. A run with no settlements produces no
// files.
func (e *Exporter) Export(ctx context.Context) (*ExportResult, error) {
	if e == nil || e.archive == nil {
		return nil, fmt.Errorf("exporter not configured")
	}
	settlements, err := e.archive.Settlements(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settlements: %w", err)
	}
	if len(settlements) == 0 {
		return &ExportResult{}, nil
	}

	rows := make([]*settlementReport, 0, len(settlements))
	for _, s := range settlements {
		count, err := e.archive.TradeCount(ctx, s.MarketID)
		if err != nil {
			return nil, fmt.Errorf("trade count %s: %w", s.MarketID, err)
		}
		volume, err := e.archive.Volume(ctx, s.MarketID)
		if err != nil {
			return nil, fmt.Errorf("volume %s: %w", s.MarketID, err)
		}
		rows = append(rows, &settlementReport{
			MarketID:     s.MarketID,
			FinalScore:   s.FinalScore,
			LongWon:      s.LongWon,
			LongReserve:  s.LongReserve,
			ShortReserve: s.ShortReserve,
			PayoutPool:   s.PayoutPool,
			ProtocolFees: s.ProtocolFees,
			Digest:       s.Digest,
			TradeCount:   count,
			Volume:       volume.String(),
			SettledAt:    s.RecordedAt,
		})
	}

	runDir := filepath.Join(e.outputDir, e.nowFn().UTC().Format("20060102"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure output dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "settlements.csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(runDir, "settlements.parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	slog.Info("archive: wrote settlement export", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	return &ExportResult{CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

type settlementReport struct {
	MarketID     string
	FinalScore   string
	LongWon      bool
	LongReserve  string
	ShortReserve string
	PayoutPool   string
	ProtocolFees string
	Digest       string
	TradeCount   int64
	Volume       string
	SettledAt    time.Time
}

func writeCSV(path string, rows []*settlementReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"market_id", "final_score", "long_won", "long_reserve", "short_reserve",
		"payout_pool", "protocol_fees", "digest", "trade_count", "volume", "settled_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.MarketID,
			row.FinalScore,
			boolString(row.LongWon),
			row.LongReserve,
			row.ShortReserve,
			row.PayoutPool,
			row.ProtocolFees,
			row.Digest,
			strconv.FormatInt(row.TradeCount, 10),
			row.Volume,
			row.SettledAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	MarketID     string `parquet:"name=market_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	FinalScore   string `parquet:"name=final_score, type=BYTE_ARRAY, convertedtype=UTF8"`
	LongWon      bool   `parquet:"name=long_won, type=BOOLEAN"`
	LongReserve  string `parquet:"name=long_reserve, type=BYTE_ARRAY, convertedtype=UTF8"`
	ShortReserve string `parquet:"name=short_reserve, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayoutPool   string `parquet:"name=payout_pool, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProtocolFees string `parquet:"name=protocol_fees, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest       string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeCount   int64  `parquet:"name=trade_count, type=INT64"`
	Volume       string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt    string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*settlementReport) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			MarketID:     row.MarketID,
			FinalScore:   row.FinalScore,
			LongWon:      row.LongWon,
			LongReserve:  row.LongReserve,
			ShortReserve: row.ShortReserve,
			PayoutPool:   row.PayoutPool,
			ProtocolFees: row.ProtocolFees,
			Digest:       row.Digest,
			TradeCount:   row.TradeCount,
			Volume:       row.Volume,
			SettledAt:    row.SettledAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
