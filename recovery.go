package facilitator

import (
	"context"
	"fmt"
	"log/slog"
)

// RecoveryReport summarizes a startup hydrate.
type RecoveryReport struct {
	Loaded      int `json:"loaded"`
	Inserted    int `json:"inserted"`
	Resumed     int `json:"resumed"`
	Rebroadcast int `json:"rebroadcast"`
	Stranded    int `json:"stranded"`
}

// Hydrate loads every non-terminal record from repo into ledger.
//
// When executor is non-nil, settlement resumes for records that can be
// continued safely: a known txHash waits for its confirmations and a relay
// record without one is broadcast again, since a signed transaction always
// hashes the same. A custodial record without a txHash is left at its last
// status and counted as stranded; sending it again could pay twice.
func Hydrate(ctx context.Context, repo Repository, ledger *Ledger, executor *Executor, logger *slog.Logger) (RecoveryReport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	records, err := repo.ListNonTerminal(ctx)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("listing non-terminal payments: %w", err)
	}

	report := RecoveryReport{Loaded: len(records)}
	for _, record := range records {
		if record.Status.IsTerminal() {
			continue
		}
		if !ledger.Insert(record) {
			continue
		}
		report.Inserted++

		if executor == nil {
			continue
		}

		attrs := []any{"payment_id", record.ID, "status", record.Status}
		switch {
		case record.TxHash != "":
			logger.Info("resuming confirmation wait", append(attrs, "tx_hash", record.TxHash)...)
			executor.Resume(record)
			report.Resumed++
		case record.IsRelay():
			logger.Info("re-broadcasting relay payment", attrs...)
			executor.Dispatch(record)
			report.Rebroadcast++
		default:
			logger.Warn("custodial payment needs manual reconciliation", attrs...)
			report.Stranded++
		}
	}

	logger.Info("recovery complete",
		"loaded", report.Loaded,
		"inserted", report.Inserted,
		"resumed", report.Resumed,
		"rebroadcast", report.Rebroadcast,
		"stranded", report.Stranded,
	)
	return report, nil
}
