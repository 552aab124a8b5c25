package unify

import (
	"context"
	"fmt"
	"strings"

	"github.com/cryptobookkeeper/cryptosync/pkg/db"
	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"go.uber.org/zap"
)

// Report summarizes one projection run.
type Report struct {
	Projected  int      `json:"projected"`
	Excluded   int      `json:"excluded"`
	Violations []string `json:"violations,omitempty"`
}

// Projector regenerates the unified view from the raw tables. Projection is
// a pure transformation: it never mutates raw records and produces the same
// output for the same input.
type Projector struct {
	Raw     db.RawReader
	Unified db.UnifiedWriter
	Logger  *zap.Logger
}

// Run reads every raw table, projects the records onto the unified schema
// and replaces the unified table contents.
func (p *Projector) Run(ctx context.Context) (Report, error) {
	trades, err := p.Raw.Trades(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load trades: %w", err)
	}
	deposits, err := p.Raw.Deposits(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load deposits: %w", err)
	}
	withdrawals, err := p.Raw.Withdrawals(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load withdrawals: %w", err)
	}
	transfers, err := p.Raw.Transfers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load transfers: %w", err)
	}

	records, report := Project(trades, deposits, withdrawals, transfers)

	if err := p.Unified.Replace(ctx, records); err != nil {
		return report, fmt.Errorf("write unified view: %w", err)
	}

	p.Logger.Info("Projection completed",
		zap.Int("projected", report.Projected),
		zap.Int("excluded", report.Excluded),
		zap.Int("violations", len(report.Violations)))

	return report, nil
}

// Project maps raw records onto the unified schema. Records without a usable
// txid are excluded. Records that violate other unified invariants (duplicate
// txid, bad amount, missing price) are still included so the violation is
// visible downstream, but each one is reported.
func Project(trades []models.Trade, deposits, withdrawals []models.Flow, transfers []models.Transfer) ([]models.UnifiedRecord, Report) {
	var report Report
	total := len(trades) + len(deposits) + len(withdrawals) + len(transfers)
	records := make([]models.UnifiedRecord, 0, total)
	seen := make(map[string]struct{}, total)

	add := func(u models.UnifiedRecord) {
		if u.TxID == "" {
			report.Excluded++
			return
		}
		if _, dup := seen[u.TxID]; dup {
			report.Violations = append(report.Violations,
				fmt.Sprintf("txid %s: duplicate across the unified set", u.TxID))
		} else {
			seen[u.TxID] = struct{}{}
		}
		if err := u.Validate(); err != nil {
			report.Violations = append(report.Violations, err.Error())
		}
		records = append(records, u)
		report.Projected++
	}

	for _, t := range trades {
		add(projectTrade(t))
	}
	for _, f := range deposits {
		add(projectFlow(f, models.SideDeposit))
	}
	for _, f := range withdrawals {
		add(projectFlow(f, models.SideWithdrawal))
	}
	for _, t := range transfers {
		add(projectTransfer(t))
	}

	return records, report
}

func projectTrade(t models.Trade) models.UnifiedRecord {
	price := t.Price
	return models.UnifiedRecord{
		Domain:  models.DomainExchange,
		Source:  t.SourceID,
		TsUTC:   t.Time.UTC(),
		TxID:    t.TxID,
		Base:    strings.ToUpper(t.Base),
		Quote:   strings.ToUpper(t.Quote),
		Side:    strings.ToLower(t.Side),
		Amount:  t.Amount,
		Price:   &price,
		FeeCcy:  strings.ToUpper(t.FeeCurrency),
		FeeAmt:  t.FeeAmount,
		RawJSON: t.RawJSON,
	}
}

func projectFlow(f models.Flow, side string) models.UnifiedRecord {
	u := models.UnifiedRecord{
		Domain:  models.DomainExchange,
		Source:  f.SourceID,
		TsUTC:   f.Time.UTC(),
		TxID:    f.TxID,
		Base:    strings.ToUpper(f.Currency),
		Side:    side,
		Amount:  f.Amount,
		FeeCcy:  strings.ToUpper(f.FeeCurrency),
		FeeAmt:  f.FeeAmount,
		RawJSON: f.RawJSON,
	}
	// The flow's counterparty address: where funds came from on a deposit,
	// where they went on a withdrawal.
	switch side {
	case models.SideDeposit:
		u.AddrFrom = f.Address
	case models.SideWithdrawal:
		u.AddrTo = f.Address
	}
	return u
}

func projectTransfer(t models.Transfer) models.UnifiedRecord {
	txid := ""
	if t.TxHash != "" {
		txid = fmt.Sprintf("%s:%d", t.TxHash, t.LogIndex)
	}
	tokenDecimal := t.TokenDecimal
	return models.UnifiedRecord{
		Domain:       models.DomainOnchain,
		Source:       t.SourceID,
		TsUTC:        t.Time.UTC(),
		TxID:         txid,
		Base:         strings.ToUpper(t.TokenSymbol),
		Side:         models.SideTransfer,
		Amount:       t.Value,
		AddrFrom:     t.FromAddress,
		AddrTo:       t.ToAddress,
		Chain:        t.Chain,
		TokenSymbol:  t.TokenSymbol,
		TokenDecimal: &tokenDecimal,
		RawJSON:      t.RawJSON,
	}
}
