package credits

import (
	"context"
	"fmt"
	"strconv"

	"carbon-scribe/credit-exchange/pkg/pdf"
)

// Certificate renders the retirement certificate for a recorded retirement.
func (s *Service) Certificate(ctx context.Context, retirementID uint64) ([]byte, error) {
	ret, err := s.GetRetirement(ctx, retirementID)
	if err != nil {
		return nil, err
	}
	ct, err := s.GetInfo(ctx, ret.CreditTypeID)
	if err != nil {
		return nil, err
	}

	beneficiary := ret.Beneficiary
	if beneficiary == "" {
		beneficiary = ret.Holder.String()
	}
	doc := pdf.Document{
		Title:    "Certificate of Retirement",
		Subtitle: ct.ProjectName,
		Fields: []pdf.Field{
			{Label: "Certificate number", Value: ret.CertificateNumber.String()},
			{Label: "Credit type", Value: strconv.FormatUint(ct.ID, 10)},
			{Label: "Location", Value: ct.Location},
			{Label: "Category", Value: ct.Category},
			{Label: "Units retired", Value: strconv.FormatUint(ret.Amount, 10)},
			{Label: "Retired by", Value: ret.Holder.String()},
			{Label: "Beneficiary", Value: beneficiary},
		},
		Footer:   fmt.Sprintf("Retirement #%d. Retired units are permanently removed from circulation.", ret.ID),
		IssuedAt: ret.RetiredAt,
	}
	return s.certs.Generate(ctx, doc)
}
