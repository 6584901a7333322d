package custody

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/mbd888/custodian/internal/idgen"
	"github.com/mbd888/custodian/internal/units"
)

// ReceiptPrefix marks receipt ids.
const ReceiptPrefix = "rcpt_"

// Receipt is the displayable artifact attached to a predict record.
type Receipt struct {
	ID          string    `json:"id"`
	TokenID     uint64    `json:"tokenId"`
	MarketName  string    `json:"marketName"`
	OutcomeName string    `json:"outcomeName"`
	Amount      string    `json:"amount"`
	IssuedAt    time.Time `json:"issuedAt"`
	Image       string    `json:"image"` // data:image/svg+xml;base64,...
}

// GenerateReceipt renders the receipt card for a predict record.
func GenerateReceipt(rec *Record, p *PredictPayload, marketName, outcomeName string, issued time.Time) *Receipt {
	amount := units.Format(p.Amount)

	var svg bytes.Buffer
	fmt.Fprintf(&svg, `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="220" viewBox="0 0 400 220">`)
	fmt.Fprintf(&svg, `<rect width="400" height="220" rx="16" fill="#10131a"/>`)
	fmt.Fprintf(&svg, `<text x="24" y="44" fill="#8a93a6" font-family="monospace" font-size="12">RECEIPT #%d</text>`, p.ReceiptID)
	fmt.Fprintf(&svg, `<text x="24" y="84" fill="#ffffff" font-family="sans-serif" font-size="18">%s</text>`, html.EscapeString(clip(marketName, 36)))
	fmt.Fprintf(&svg, `<text x="24" y="124" fill="#4ade80" font-family="sans-serif" font-size="16">%s</text>`, html.EscapeString(clip(outcomeName, 40)))
	fmt.Fprintf(&svg, `<text x="24" y="164" fill="#ffffff" font-family="monospace" font-size="16">%s</text>`, amount)
	fmt.Fprintf(&svg, `<text x="24" y="196" fill="#8a93a6" font-family="monospace" font-size="10">%s</text>`, html.EscapeString(clip(rec.ID, 48)))
	svg.WriteString(`</svg>`)

	return &Receipt{
		ID:          ReceiptPrefix + strings.TrimPrefix(rec.ID, idgen.CustodyPrefix),
		TokenID:     p.ReceiptID,
		MarketName:  marketName,
		OutcomeName: outcomeName,
		Amount:      amount,
		IssuedAt:    issued,
		Image:       "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString(svg.Bytes()),
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
