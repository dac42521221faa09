package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/tokenpool/internal/app"
	s3blob "github.com/alanyoungcy/tokenpool/internal/blob/s3"
	"github.com/alanyoungcy/tokenpool/internal/domain"
	"github.com/alanyoungcy/tokenpool/internal/service"
	"github.com/alanyoungcy/tokenpool/internal/settlement"
)

const pageSize = 500

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func requireFlag(fs *flag.FlagSet, name, value string) error {
	if value == "" {
		fmt.Fprintf(os.Stderr, "%s: -%s is required\n", fs.Name(), name)
		fs.Usage()
		return errUsage
	}
	return nil
}

func runBalances(ctx context.Context, deps *app.Dependencies, out io.Writer, args []string) error {
	fs := newFlags("balances")
	limit := fs.Int("limit", 100, "maximum accounts to list")
	offset := fs.Int("offset", 0, "accounts to skip")
	if err := parse(fs, args); err != nil {
		return err
	}

	accts, err := deps.Accounts.ListAccounts(ctx, domain.ListOpts{Limit: *limit, Offset: *offset})
	if err != nil {
		return err
	}
	total, err := deps.Store.Accounts().TotalBalance(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("Account", "Username", "Active", "Balance", "Created")
	for _, a := range accts {
		table.Append(a.ID, a.Username, strconv.FormatBool(a.Active), strconv.FormatInt(a.Balance, 10), a.CreatedAt.Format(time.RFC3339))
	}
	table.Footer("", "", "Total", strconv.FormatInt(total, 10), "")
	return table.Render()
}

func runHistory(ctx context.Context, deps *app.Dependencies, out io.Writer, args []string) error {
	fs := newFlags("history")
	account := fs.String("account", "", "account id")
	limit := fs.Int("limit", 50, "maximum entries to list, newest first")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlag(fs, "account", *account); err != nil {
		return err
	}

	entries, err := deps.Accounts.GetLedgerHistory(ctx, *account, domain.ListOpts{Limit: *limit})
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("Seq", "Reason", "Amount", "Balance", "Key", "Memo", "At")
	for _, e := range entries {
		table.Append(
			strconv.FormatInt(e.Seq, 10),
			string(e.Reason),
			fmt.Sprintf("%+d", e.Amount),
			strconv.FormatInt(e.BalanceAfter, 10),
			e.IdempotencyKey,
			e.Memo,
			e.CreatedAt.Format(time.RFC3339),
		)
	}
	return table.Render()
}

func runAdjust(ctx context.Context, deps *app.Dependencies, out io.Writer, args []string) error {
	fs := newFlags("adjust")
	account := fs.String("account", "", "account id")
	delta := fs.Int64("delta", 0, "signed token amount; negative debits")
	key := fs.String("key", "", "idempotency key; replaying it returns the original entry")
	memo := fs.String("memo", "", "reason recorded in the ledger")
	actor := fs.String("actor", "admin", "operator recorded in the audit log")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlag(fs, "account", *account); err != nil {
		return err
	}
	if err := requireFlag(fs, "key", *key); err != nil {
		return err
	}

	entry, err := deps.Accounts.AdminAdjust(domain.WithActor(ctx, *actor), service.AdjustInput{
		AccountID: *account,
		Delta:     *delta,
		Key:       *key,
		Memo:      *memo,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "entry %s: %+d, balance now %d\n", entry.ID, entry.Amount, entry.BalanceAfter)
	return nil
}

func runReport(ctx context.Context, deps *app.Dependencies, out io.Writer, args []string) error {
	fs := newFlags("report")
	eventID := fs.String("event", "", "event id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := requireFlag(fs, "event", *eventID); err != nil {
		return err
	}

	report, err := deps.Markets.GetSettlementReport(ctx, *eventID)
	if err != nil {
		return err
	}
	stakes, err := deps.Markets.ListStakes(ctx, *eventID)
	if err != nil {
		return err
	}

	summary := tablewriter.NewWriter(out)
	summary.Header("Field", "Value")
	summary.Append("event", report.EventID)
	summary.Append("winning outcome", report.WinningOutcome)
	summary.Append("resolved by", report.ResolvedBy)
	summary.Append("resolved at", report.ResolvedAt.Format(time.RFC3339))
	summary.Append("total pool", strconv.FormatInt(report.TotalPool, 10))
	summary.Append("winning pool", strconv.FormatInt(report.WinningPool, 10))
	summary.Append("void", strconv.FormatBool(report.Void))
	summary.Append("winners paid", strconv.Itoa(report.WinnersPaid))
	summary.Append("distributed", strconv.FormatInt(report.TotalDistributed, 10))
	summary.Append("rounding remainder", strconv.FormatInt(report.RoundingRemainder, 10))
	if err := summary.Render(); err != nil {
		return err
	}

	table := tablewriter.NewWriter(out)
	table.Header("Stake", "Account", "Outcome", "Amount", "Prob", "Payout")
	for _, s := range stakes {
		table.Append(s.ID, s.AccountID, s.OutcomeID,
			strconv.FormatInt(s.Amount, 10),
			fmt.Sprintf("%d%%", s.ImpliedProbability),
			strconv.FormatInt(s.Payout, 10),
		)
	}
	return table.Render()
}

func runArchived(ctx context.Context, deps *app.Dependencies, out io.Writer, args []string) error {
	fs := newFlags("archived")
	eventID := fs.String("event", "", "event id; lists every archived settlement when empty")
	if err := parse(fs, args); err != nil {
		return err
	}
	if deps.BlobReader == nil {
		return errors.New("blob storage is not enabled (set s3.enabled)")
	}

	if *eventID == "" {
		objects, err := deps.BlobReader.List(ctx, s3blob.SettlementPrefix)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(out)
		table.Header("Path", "Size", "Modified")
		for _, o := range objects {
			table.Append(o.Path, strconv.FormatInt(o.Size, 10), o.LastModified.Format(time.RFC3339))
		}
		return table.Render()
	}

	path := s3blob.SettlementPath(*eventID)
	ok, err := deps.BlobReader.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no archived settlement for event %s", *eventID)
	}
	rc, err := deps.BlobReader.Get(ctx, path)
	if err != nil {
		return err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return fmt.Errorf("archived document is not JSON: %w", err)
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}

func runSettlements(ctx context.Context, deps *app.Dependencies, out io.Writer, args []string) error {
	fs := newFlags("settlements")
	from := fs.String("from", "0", "stream id to read after; 0 replays from the start")
	count := fs.Int("count", 100, "maximum entries to print")
	if err := parse(fs, args); err != nil {
		return err
	}
	if deps.SignalBus == nil {
		return errors.New("signal bus is not enabled (set redis.enabled)")
	}
	return printSettlementLog(ctx, deps.SignalBus, out, *from, *count)
}

// printSettlementLog replays the durable settlement stream as a table.
func printSettlementLog(ctx context.Context, bus domain.SignalBus, out io.Writer, from string, count int) error {
	msgs, err := bus.StreamRead(ctx, domain.ChannelSettlements, from, count)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "no settlement signals")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Stream ID", "Event", "Outcome", "Pool", "Distributed", "Remainder", "Void", "At")
	for _, m := range msgs {
		var sig struct {
			service.Signal
			Data domain.SettlementReport `json:"data"`
		}
		if err := json.Unmarshal(m.Payload, &sig); err != nil {
			return fmt.Errorf("stream entry %s: %w", m.ID, err)
		}
		r := sig.Data
		table.Append(m.ID, sig.EventID, r.WinningOutcome,
			strconv.FormatInt(r.TotalPool, 10),
			strconv.FormatInt(r.TotalDistributed, 10),
			strconv.FormatInt(r.RoundingRemainder, 10),
			strconv.FormatBool(r.Void),
			sig.At.Format(time.RFC3339),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintf(out, "last id %s\n", msgs[len(msgs)-1].ID)
	return nil
}

func runVerify(ctx context.Context, deps *app.Dependencies, out io.Writer, args []string) error {
	fs := newFlags("verify")
	eventID := fs.String("event", "", "recompute the payouts of this resolved event instead of checking every account")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *eventID != "" {
		return verifyEvent(ctx, deps, out, *eventID)
	}
	return verifyLedger(ctx, deps, out)
}

// payoutMismatch is a stake whose stored payout differs from a recomputation.
type payoutMismatch struct {
	StakeID  string
	Stored   int64
	Expected int64
	Settled  bool
}

// diffPayouts recomputes the payouts of a settled event and returns the stakes
// that disagree, plus the recomputed totals.
func diffPayouts(report domain.SettlementReport, stakes []domain.Stake) ([]payoutMismatch, settlement.Computation, error) {
	c, err := settlement.ComputePayouts(stakes, report.WinningOutcome, report.TotalPool, report.WinningPool)
	if err != nil {
		return nil, settlement.Computation{}, err
	}
	var diffs []payoutMismatch
	for _, s := range stakes {
		want := c.Payouts[s.ID]
		if !s.Settled || s.Payout != want {
			diffs = append(diffs, payoutMismatch{StakeID: s.ID, Stored: s.Payout, Expected: want, Settled: s.Settled})
		}
	}
	return diffs, c, nil
}

func verifyEvent(ctx context.Context, deps *app.Dependencies, out io.Writer, eventID string) error {
	report, err := deps.Markets.GetSettlementReport(ctx, eventID)
	if err != nil {
		return err
	}
	stakes, err := deps.Markets.ListStakes(ctx, eventID)
	if err != nil {
		return err
	}

	diffs, c, err := diffPayouts(report, stakes)
	if err != nil {
		return fmt.Errorf("event %s: %w", eventID, err)
	}
	if c.TotalDistributed != report.TotalDistributed || c.RoundingRemainder != report.RoundingRemainder {
		fmt.Fprintf(out, "report totals differ: distributed %d (recomputed %d), remainder %d (recomputed %d)\n",
			report.TotalDistributed, c.TotalDistributed, report.RoundingRemainder, c.RoundingRemainder)
		diffs = append(diffs, payoutMismatch{StakeID: "(report)", Stored: report.TotalDistributed, Expected: c.TotalDistributed, Settled: true})
	}
	if len(diffs) == 0 {
		fmt.Fprintf(out, "event %s: %d stakes verified, %d distributed, remainder %d\n",
			eventID, len(stakes), c.TotalDistributed, c.RoundingRemainder)
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Stake", "Settled", "Stored", "Expected")
	for _, d := range diffs {
		table.Append(d.StakeID, strconv.FormatBool(d.Settled), strconv.FormatInt(d.Stored, 10), strconv.FormatInt(d.Expected, 10))
	}
	if err := table.Render(); err != nil {
		return err
	}
	return fmt.Errorf("event %s: %d payout mismatches", eventID, len(diffs))
}

// verifyLedger checks that every balance equals the sum of its ledger entries
// and the balance_after of the newest one.
func verifyLedger(ctx context.Context, deps *app.Dependencies, out io.Writer) error {
	type mismatch struct {
		account string
		balance int64
		sum     int64
		last    int64
	}
	var (
		bad     []mismatch
		checked int
	)

	for offset := 0; ; offset += pageSize {
		accts, err := deps.Accounts.ListAccounts(ctx, domain.ListOpts{Limit: pageSize, Offset: offset})
		if err != nil {
			return err
		}
		for _, a := range accts {
			sum, last, err := ledgerSum(ctx, deps, a.ID)
			if err != nil {
				return err
			}
			checked++
			if sum != a.Balance || last != a.Balance {
				bad = append(bad, mismatch{account: a.ID, balance: a.Balance, sum: sum, last: last})
			}
		}
		if len(accts) < pageSize {
			break
		}
	}

	if len(bad) == 0 {
		fmt.Fprintf(out, "%d accounts verified\n", checked)
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.Header("Account", "Balance", "Ledger sum", "Last balance_after")
	for _, m := range bad {
		table.Append(m.account, strconv.FormatInt(m.balance, 10), strconv.FormatInt(m.sum, 10), strconv.FormatInt(m.last, 10))
	}
	if err := table.Render(); err != nil {
		return err
	}
	return fmt.Errorf("%d of %d accounts disagree with their ledger", len(bad), checked)
}

// ledgerSum pages through an account's ledger, newest first.
func ledgerSum(ctx context.Context, deps *app.Dependencies, accountID string) (sum, last int64, err error) {
	for offset := 0; ; offset += pageSize {
		entries, err := deps.Accounts.GetLedgerHistory(ctx, accountID, domain.ListOpts{Limit: pageSize, Offset: offset})
		if err != nil {
			return 0, 0, err
		}
		if offset == 0 && len(entries) > 0 {
			last = entries[0].BalanceAfter
		}
		for _, e := range entries {
			sum += e.Amount
		}
		if len(entries) < pageSize {
			return sum, last, nil
		}
	}
}
