package receipt

import (
	"fmt"
	"time"

	"github.com/forgecloud/billing/internal/models"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

func renderPDF(pt *models.PaymentTransaction) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	receiptNumber := ""
	if pt.ReceiptNumber != nil {
		receiptNumber = *pt.ReceiptNumber
	}
	paidAt := ""
	if pt.PaidAt != nil {
		paidAt = pt.PaidAt.Format(time.DateOnly)
	}

	m.AddRow(30,
		text.NewCol(12, "Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+receiptNumber, props.Text{Top: 0}),
			text.New("Date paid: "+paidAt, props.Text{Top: 4}),
			text.New("Account: "+pt.UserID, props.Text{Top: 8}),
		),
		col.New(6),
	)

	m.AddRow(15,
		text.NewCol(12, "$"+pt.TotalUSD.StringFixed(2)+" paid on "+paidAt, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(8, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(15,
		text.NewCol(8, lineDescription(pt), props.Text{Size: 9}),
		text.NewCol(4, "$"+pt.AmountUSD.StringFixed(2), props.Text{Size: 9, Align: align.Right}),
	)

	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Tax", props.Text{Size: 9}),
		text.NewCol(2, "$"+pt.TaxUSD.StringFixed(2), props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Total", props.Text{Size: 9}),
		text.NewCol(2, "$"+pt.TotalUSD.StringFixed(2), props.Text{Size: 9, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to render receipt pdf: %w", err)
	}
	return doc.GetBytes(), nil
}

func lineDescription(pt *models.PaymentTransaction) string {
	switch pt.Type {
	case models.PaymentTransactionTypeTopup:
		return "Balance top-up"
	case models.PaymentTransactionTypeProration:
		if from, ok := pt.Invoice["from_plan"].(string); ok {
			if to, ok := pt.Invoice["to_plan"].(string); ok {
				return fmt.Sprintf("Plan upgrade %s to %s", from, to)
			}
		}
		return "Plan upgrade"
	case models.PaymentTransactionTypePlanCharge:
		if plan, ok := pt.Invoice["plan_id"].(string); ok {
			return "Subscription plan " + plan
		}
		return "Subscription plan charge"
	}
	return string(pt.Type)
}
