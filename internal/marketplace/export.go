package marketplace

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	tradesSheet  = "Trades"
	summarySheet = "Summary"
)

var tradeColumns = []string{
	"Purchase", "Listing", "Credit type", "Buyer", "Seller", "Amount",
	"Price per unit", "Total price", "Fee", "Fee rate", "Seller proceeds", "Refund", "Purchased at",
}

// ExportTrades writes every purchase, oldest first, and a market summary as an
// xlsx workbook. Currency columns hold base units as text so large values
// keep full precision.
func (s *Service) ExportTrades(ctx context.Context, w io.Writer) error {
	purchases, err := s.repo.AllPurchases(ctx)
	if err != nil {
		return fmt.Errorf("failed to load purchases: %w", err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", tradesSheet); err != nil {
		return err
	}

	header, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	for i, col := range tradeColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(tradesSheet, cell, col); err != nil {
			return err
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(tradeColumns), 1)
	if err := f.SetCellStyle(tradesSheet, "A1", last, header); err != nil {
		return err
	}
	if err := f.SetPanes(tradesSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return err
	}

	for i, p := range purchases {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := []any{
			p.ID, p.ListingID, p.CreditTypeID, p.Buyer.String(), p.Seller.String(), p.Amount,
			p.PricePerUnit.String(), p.TotalPrice.String(), p.Fee.String(),
			fmt.Sprintf("%d/%d", p.FeeBps, FeeDenominator),
			p.SellerProceeds.String(), p.Refund.String(), p.PurchasedAt,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(tradesSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write purchase %d: %w", p.ID, err)
		}
	}
	if err := f.SetColWidth(tradesSheet, "D", "E", 38); err != nil {
		return err
	}
	if err := f.SetColWidth(tradesSheet, "G", "L", 24); err != nil {
		return err
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	summary := [][]any{
		{"Total listings", stats.TotalListings},
		{"Active listings", stats.ActiveListings},
		{"Purchases", stats.Purchases},
		{"Total volume", stats.TotalVolume.String()},
		{"Fee rate", fmt.Sprintf("%d/%d", stats.FeeBps, FeeDenominator)},
		{"Fee recipient", stats.FeeRecipient.String()},
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return err
		}
	}

	_, err = f.WriteTo(w)
	return err
}
