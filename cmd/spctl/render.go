package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

type fieldKind int

const (
	plainField fieldKind = iota
	amountField
)

type field struct {
	label string
	key   string
	kind  fieldKind
}

var (
	poolFields = []field{
		{"P", "p", plainField},
		{"Scale", "scale", plainField},
		{"Epoch", "epoch", plainField},
		{"Total deposits", "totalDeposits", amountField},
		{"Total collateral", "totalCollateral", amountField},
		{"Token issued", "totalTokenIssued", amountField},
	}
	sumFields = []field{
		{"Epoch", "epoch", plainField},
		{"Scale", "scale", plainField},
		{"S", "s", plainField},
		{"G", "g", plainField},
	}
	depositFields = []field{
		{"Depositor", "depositor", plainField},
		{"Initial value", "initialValue", amountField},
		{"Compounded", "compounded", amountField},
		{"Collateral gain", "collateralGain", amountField},
		{"Token gain", "tokenGain", amountField},
		{"Front end", "frontEnd", plainField},
	}
	frontEndFields = []field{
		{"Front end", "address", plainField},
		{"Kickback rate", "kickbackRate", plainField},
		{"Stake", "stake", amountField},
		{"Compounded stake", "compoundedStake", amountField},
		{"Token gain", "tokenGain", amountField},
	}
	receiptFields = []field{
		{"Depositor", "depositor", plainField},
		{"Deposit", "deposit", amountField},
		{"Withdrawn", "withdrawn", amountField},
		{"Loss", "loss", amountField},
		{"Collateral gain", "collateralGain", amountField},
		{"Token gain", "tokenGain", amountField},
		{"Front end", "frontEnd", plainField},
		{"Front end token gain", "frontEndTokenGain", amountField},
		{"Front end stake", "frontEndStake", amountField},
	}
	offsetFields = []field{
		{"Debt offset", "debtOffset", amountField},
		{"Collateral added", "collateralAdded", amountField},
		{"P", "p", plainField},
		{"Epoch", "epoch", plainField},
		{"Scale", "scale", plainField},
		{"Pool emptied", "poolEmptied", plainField},
		{"Token issued", "tokenIssued", amountField},
	}
)

// renderer writes either indented JSON or an aligned table.
type renderer struct {
	out  io.Writer
	json bool
}

func (r renderer) object(raw json.RawMessage, fields []field) error {
	if r.json {
		return r.indent(raw)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	for _, f := range fields {
		value, ok := obj[f.key]
		if !ok {
			continue
		}
		text := fmt.Sprint(value)
		if s, isString := value.(string); isString {
			if s == "" {
				continue
			}
			text = s
			if f.kind == amountField {
				text = formatAmount(s)
			}
		}
		fmt.Fprintf(tw, "%s:\t%s\n", f.label, text)
	}
	return tw.Flush()
}

type eventEntry struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (r renderer) events(raw json.RawMessage, now time.Time) error {
	if r.json {
		return r.indent(raw)
	}
	var page struct {
		Events []eventEntry `json:"events"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(page.Events) == 0 {
		fmt.Fprintln(r.out, "no events")
		return nil
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tWHEN")
	for _, evt := range page.Events {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", evt.Sequence, evt.Type, humanize.RelTime(evt.CreatedAt, now, "ago", "from now"))
	}
	return tw.Flush()
}

func (r renderer) indent(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := r.out.Write(buf.Bytes())
	return err
}

// formatAmount groups the integer digits of a decimal string. Values that do
// not parse are returned unchanged.
func formatAmount(value string) string {
	if _, err := decimal.NewFromString(value); err != nil {
		return value
	}
	whole, frac, _ := strings.Cut(value, ".")
	n, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return value
	}
	out := humanize.BigComma(n)
	if frac != "" {
		out += "." + frac
	}
	return out
}
