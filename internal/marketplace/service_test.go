package marketplace

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	gormlogger "gorm.io/gorm/logger"

	"carbon-scribe/credit-exchange/internal/access"
	"carbon-scribe/credit-exchange/internal/credits"
	"carbon-scribe/credit-exchange/internal/errs"
	"carbon-scribe/credit-exchange/internal/events"
	"carbon-scribe/credit-exchange/internal/payments"
	"carbon-scribe/credit-exchange/internal/store"
)

var (
	// 0.01 of a unit with 18 decimals.
	centPrice = decimal.RequireFromString("10000000000000000")
	oneUnit   = decimal.RequireFromString("1000000000000000000")
	halfUnit  = decimal.RequireFromString("500000000000000000")
)

type harness struct {
	db        *store.DB
	rec       *events.Recorder
	flag      *access.Flag
	ledger    *credits.Service
	rail      *payments.WalletRail
	market    *Service
	admin     uuid.UUID
	seller    uuid.UUID
	verifier  uuid.UUID
	buyer     uuid.UUID
	recipient uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb, err := store.OpenSQLite("", gormlogger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(gdb) })

	rec := events.NewRecorder()
	db := store.New(gdb, rec, nil)
	require.NoError(t, credits.Migrate(db))
	require.NoError(t, payments.Migrate(db))
	require.NoError(t, Migrate(db))

	h := &harness{
		db:        db,
		rec:       rec,
		flag:      &access.Flag{},
		admin:     uuid.New(),
		seller:    uuid.New(),
		verifier:  uuid.New(),
		buyer:     uuid.New(),
		recipient: uuid.New(),
	}
	auth := access.NewStaticAuthorizer().
		Grant(h.admin, access.CapabilityAdmin).
		Grant(h.seller, access.CapabilityIssuer).
		Grant(h.verifier, access.CapabilityVerifier)

	h.ledger = credits.NewService(db, credits.NewRepository(db), auth, h.flag, nil)
	h.rail = payments.NewWalletRail(db, nil)
	h.market = NewService(db, NewRepository(db), h.ledger, h.rail, auth, h.flag, nil)
	require.NoError(t, h.market.Init(context.Background(), Defaults{FeeBps: DefaultFeeBps, FeeRecipient: h.recipient}))
	require.NoError(t, h.rail.Deposit(context.Background(), h.buyer, oneUnit))
	return h
}

// verifiedCredits mints amount units to the seller and verifies them.
func (h *harness) verifiedCredits(t *testing.T, amount uint64) uint64 {
	t.Helper()
	ctx := context.Background()
	id, err := h.ledger.Mint(ctx, h.seller, credits.MintRequest{ProjectName: "Amazon Reforestation", Category: "Forestry", Amount: amount})
	require.NoError(t, err)
	require.NoError(t, h.ledger.Verify(ctx, h.verifier, id))
	return id
}

func (h *harness) list(t *testing.T, creditTypeID, amount uint64, price decimal.Decimal) uint64 {
	t.Helper()
	id, err := h.market.CreateListing(context.Background(), h.seller, CreateListingRequest{
		CreditTypeID: creditTypeID,
		Amount:       amount,
		PricePerUnit: price,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) creditBalance(t *testing.T, holder uuid.UUID, id uint64) uint64 {
	t.Helper()
	b, err := h.ledger.BalanceOf(context.Background(), holder, id)
	require.NoError(t, err)
	return b
}

func (h *harness) wallet(t *testing.T, owner uuid.UUID) decimal.Decimal {
	t.Helper()
	b, err := h.rail.BalanceOf(context.Background(), owner)
	require.NoError(t, err)
	return b
}

func assertDecimal(t *testing.T, expected string, actual decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(expected).Equal(actual), "expected %s, got %s %v", expected, actual.String(), msgAndArgs)
}

func TestScenarioPartialPurchase(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	creditID := h.verifiedCredits(t, 1000)
	require.Equal(t, uint64(0), creditID)
	listingID := h.list(t, creditID, 100, centPrice)
	require.Equal(t, uint64(0), listingID)

	receipt, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 50, Payment: halfUnit})
	require.NoError(t, err)

	assert.Equal(t, uint64(50), h.creditBalance(t, h.buyer, creditID))
	assert.Equal(t, uint64(950), h.creditBalance(t, h.seller, creditID))

	l, err := h.market.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), l.RemainingAmount)
	assert.True(t, l.Active)

	assertDecimal(t, "487500000000000000", h.wallet(t, h.seller), "seller receives 0.4875")
	assertDecimal(t, "12500000000000000", h.wallet(t, h.recipient), "fee recipient receives 0.0125")
	assertDecimal(t, "500000000000000000", h.wallet(t, h.buyer))

	assertDecimal(t, "500000000000000000", receipt.TotalPrice)
	assertDecimal(t, "12500000000000000", receipt.Fee)
	assertDecimal(t, "487500000000000000", receipt.SellerProceeds)
	assert.True(t, receipt.Refund.IsZero())
	assert.True(t, receipt.Fee.Add(receipt.SellerProceeds).Equal(receipt.TotalPrice))

	volume, err := h.market.TotalVolumeTraded(ctx)
	require.NoError(t, err)
	assertDecimal(t, "500000000000000000", volume)

	assert.Equal(t, []events.Kind{
		events.KindCreditMinted,
		events.KindCreditVerified,
		events.KindListingCreated,
		events.KindCreditTransfer,
		events.KindPurchase,
	}, h.rec.Kinds())
}

func TestScenarioDepletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 1000)
	listingID := h.list(t, creditID, 100, centPrice)

	_, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 50, Payment: halfUnit})
	require.NoError(t, err)
	receipt, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 50, Payment: halfUnit})
	require.NoError(t, err)
	assert.False(t, receipt.ListingActive)

	l, err := h.market.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), l.RemainingAmount)
	assert.False(t, l.Active)
	assert.Equal(t, StatusDepleted, l.Status)

	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 1, Payment: centPrice})
	assert.ErrorIs(t, err, errs.ErrNotActive)

	purchases, err := h.market.GetPurchases(ctx, listingID)
	require.NoError(t, err)
	assert.Len(t, purchases, 2)
}

func TestScenarioListingPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unverified, err := h.ledger.Mint(ctx, h.seller, credits.MintRequest{ProjectName: "Wind", Amount: 100})
	require.NoError(t, err)
	_, err = h.market.CreateListing(ctx, h.seller, CreateListingRequest{CreditTypeID: unverified, Amount: 10, PricePerUnit: centPrice})
	assert.ErrorIs(t, err, errs.ErrNotVerified)

	creditID := h.verifiedCredits(t, 100)
	_, err = h.market.CreateListing(ctx, h.seller, CreateListingRequest{CreditTypeID: creditID, Amount: 101, PricePerUnit: centPrice})
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)

	_, err = h.market.CreateListing(ctx, h.seller, CreateListingRequest{CreditTypeID: creditID, Amount: 1 << 63, PricePerUnit: centPrice})
	assert.ErrorIs(t, err, errs.ErrAmountTooLarge)

	_, err = h.market.CreateListing(ctx, h.seller, CreateListingRequest{CreditTypeID: creditID, Amount: 0, PricePerUnit: centPrice})
	assert.ErrorIs(t, err, errs.ErrAmountZero)

	_, err = h.market.CreateListing(ctx, h.seller, CreateListingRequest{CreditTypeID: creditID, Amount: 10, PricePerUnit: decimal.Zero})
	assert.ErrorIs(t, err, errs.ErrPriceZero)

	// Checks run in order, so a zero amount wins over everything else.
	_, err = h.market.CreateListing(ctx, h.seller, CreateListingRequest{CreditTypeID: unverified, Amount: 0, PricePerUnit: decimal.Zero})
	assert.ErrorIs(t, err, errs.ErrAmountZero)

	// Over-balance on an unverified type reports the balance first.
	_, err = h.market.CreateListing(ctx, h.seller, CreateListingRequest{CreditTypeID: unverified, Amount: 1000, PricePerUnit: centPrice})
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)

	total, err := h.market.GetTotalListings(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), total, "rejected listings do not consume ids")
}

func TestScenarioCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 10, centPrice)

	assert.ErrorIs(t, h.market.CancelListing(ctx, h.buyer, listingID), errs.ErrUnauthorized)
	require.NoError(t, h.market.CancelListing(ctx, h.seller, listingID))
	assert.ErrorIs(t, h.market.CancelListing(ctx, h.seller, listingID), errs.ErrNotActive)
	assert.ErrorIs(t, h.market.CancelListing(ctx, h.seller, 99), errs.ErrUnauthorized)

	l, err := h.market.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.False(t, l.Active)
	assert.Equal(t, uint64(10), l.RemainingAmount)
	assert.Equal(t, uint64(100), h.creditBalance(t, h.seller, creditID), "cancelling moves nothing")

	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 1, Payment: centPrice})
	assert.ErrorIs(t, err, errs.ErrNotActive)
}

func TestScenarioFeeUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 100, centPrice)

	first, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 10, Payment: centPrice.Mul(decimal.NewFromInt(10))})
	require.NoError(t, err)
	assertDecimal(t, "2500000000000000", first.Fee)

	assert.ErrorIs(t, h.market.UpdateProtocolFee(ctx, h.admin, 101), errs.ErrFeeTooHigh)
	assert.ErrorIs(t, h.market.UpdateProtocolFee(ctx, h.seller, 50), errs.ErrUnauthorized)
	require.NoError(t, h.market.UpdateProtocolFee(ctx, h.admin, 50))

	second, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 10, Payment: centPrice.Mul(decimal.NewFromInt(10))})
	require.NoError(t, err)
	assertDecimal(t, "5000000000000000", second.Fee, "5 percent of 0.1")

	purchases, err := h.market.GetPurchases(ctx, listingID)
	require.NoError(t, err)
	require.Len(t, purchases, 2)
	assert.Equal(t, uint16(25), purchases[0].FeeBps)
	assertDecimal(t, "2500000000000000", purchases[0].Fee.Decimal)
	assert.Equal(t, uint16(50), purchases[1].FeeBps)

	assertDecimal(t, "7500000000000000", h.wallet(t, h.recipient))
}

func TestFeeUsesPerMilleDenominator(t *testing.T) {
	fee := FeeFor(decimal.NewFromInt(1_000_000), DefaultFeeBps)
	assert.True(t, fee.Equal(decimal.NewFromInt(25_000)), "2.5%% is 25/1000, got %s", fee)
	assert.False(t, fee.Equal(decimal.NewFromInt(2_500)), "must not divide by 10000")

	// Floors rather than rounds.
	assert.True(t, FeeFor(decimal.NewFromInt(39), DefaultFeeBps).IsZero())
	assert.True(t, FeeFor(decimal.NewFromInt(79), DefaultFeeBps).Equal(decimal.NewFromInt(1)))
	assert.True(t, FeeFor(decimal.NewFromInt(1000), 0).IsZero())
}

func TestBuyPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 10, centPrice)

	_, err := h.market.BuyCredits(ctx, h.buyer, 42, BuyRequest{Amount: 1, Payment: centPrice})
	assert.ErrorIs(t, err, errs.ErrNotActive)

	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 0, Payment: centPrice})
	assert.ErrorIs(t, err, errs.ErrAmountZero)

	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 11, Payment: oneUnit})
	assert.ErrorIs(t, err, errs.ErrInsufficientListed)

	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 2, Payment: centPrice})
	assert.ErrorIs(t, err, errs.ErrInsufficientPayment)

	broke := uuid.New()
	_, err = h.market.BuyCredits(ctx, broke, listingID, BuyRequest{Amount: 1, Payment: centPrice})
	assert.ErrorIs(t, err, errs.ErrPaymentFailed)
	assert.ErrorIs(t, err, payments.ErrInsufficientFunds)
}

func TestBuyRefundsOverpayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 100, centPrice)

	receipt, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{
		Amount:  50,
		Payment: decimal.RequireFromString("600000000000000000"),
	})
	require.NoError(t, err)
	assertDecimal(t, "100000000000000000", receipt.Refund)
	assertDecimal(t, "500000000000000000", h.wallet(t, h.buyer), "buyer pays only the total price")
}

func TestPaymentFailureRollsBackEverything(t *testing.T) {
	tests := []struct {
		name     string
		rejector func(h *harness) uuid.UUID
	}{
		{name: "seller rejects proceeds", rejector: func(h *harness) uuid.UUID { return h.seller }},
		{name: "fee recipient rejects fee", rejector: func(h *harness) uuid.UUID { return h.recipient }},
		{name: "buyer rejects refund", rejector: func(h *harness) uuid.UUID { return h.buyer }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			creditID := h.verifiedCredits(t, 100)
			listingID := h.list(t, creditID, 100, centPrice)
			h.rec.Reset()

			rejectErr := errors.New("no thanks")
			h.rail.OnReceive(tt.rejector(h), func(context.Context, decimal.Decimal) error { return rejectErr })

			_, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{
				Amount:  50,
				Payment: decimal.RequireFromString("600000000000000000"),
			})
			require.ErrorIs(t, err, errs.ErrPaymentFailed)
			assert.ErrorIs(t, err, payments.ErrPaymentRejected)
			assert.ErrorIs(t, err, rejectErr)

			l, err := h.market.GetListing(ctx, listingID)
			require.NoError(t, err)
			assert.Equal(t, uint64(100), l.RemainingAmount)
			assert.True(t, l.Active)

			assert.Equal(t, uint64(0), h.creditBalance(t, h.buyer, creditID))
			assert.Equal(t, uint64(100), h.creditBalance(t, h.seller, creditID))
			assertDecimal(t, "1000000000000000000", h.wallet(t, h.buyer))
			assert.True(t, h.wallet(t, h.seller).IsZero())
			assert.True(t, h.wallet(t, h.recipient).IsZero())

			volume, err := h.market.TotalVolumeTraded(ctx)
			require.NoError(t, err)
			assert.True(t, volume.IsZero())

			purchases, err := h.market.GetPurchases(ctx, listingID)
			require.NoError(t, err)
			assert.Empty(t, purchases)
			assert.Empty(t, h.rec.Events(), "rolled back purchases emit nothing")
		})
	}
}

type mockRail struct {
	mock.Mock
}

func (m *mockRail) Collect(ctx context.Context, from uuid.UUID, amount decimal.Decimal) error {
	return m.Called(ctx, from, amount).Error(0)
}

func (m *mockRail) Send(ctx context.Context, to uuid.UUID, amount decimal.Decimal) error {
	return m.Called(ctx, to, amount).Error(0)
}

func amountOf(s string) any {
	want := decimal.RequireFromString(s)
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(want) })
}

func TestSettlementOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 100, centPrice)

	rail := &mockRail{}
	market := NewService(h.db, NewRepository(h.db), h.ledger, rail, access.NewStaticAuthorizer(), h.flag, nil)

	var sawState bool
	rail.On("Collect", mock.Anything, h.buyer, amountOf("600000000000000000")).Return(nil).Once()
	rail.On("Send", mock.Anything, h.seller, amountOf("487500000000000000")).
		Run(func(args mock.Arguments) {
			// Recipient code sees fully updated state.
			cctx := args.Get(0).(context.Context)
			l, err := market.GetListing(cctx, listingID)
			require.NoError(t, err)
			b, err := h.ledger.BalanceOf(cctx, h.buyer, creditID)
			require.NoError(t, err)
			sawState = l.RemainingAmount == 50 && b == 50
		}).
		Return(nil).Once()
	rail.On("Send", mock.Anything, h.recipient, amountOf("12500000000000000")).Return(nil).Once()
	rail.On("Send", mock.Anything, h.buyer, amountOf("100000000000000000")).Return(nil).Once()

	_, err := market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 50, Payment: decimal.RequireFromString("600000000000000000")})
	require.NoError(t, err)
	rail.AssertExpectations(t)
	assert.True(t, sawState)
}

func TestZeroFeeSkipsFeePayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 100, centPrice)
	require.NoError(t, h.market.UpdateProtocolFee(ctx, h.admin, 0))

	rail := &mockRail{}
	market := NewService(h.db, NewRepository(h.db), h.ledger, rail, access.NewStaticAuthorizer(), h.flag, nil)
	rail.On("Collect", mock.Anything, h.buyer, amountOf("10000000000000000")).Return(nil).Once()
	rail.On("Send", mock.Anything, h.seller, amountOf("10000000000000000")).Return(nil).Once()

	receipt, err := market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 1, Payment: centPrice})
	require.NoError(t, err)
	assert.True(t, receipt.Fee.IsZero())
	rail.AssertExpectations(t)
	rail.AssertNumberOfCalls(t, "Send", 1)
}

func TestReentrantPurchaseIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 100, centPrice)
	require.NoError(t, h.rail.Deposit(ctx, h.seller, oneUnit))

	var inner []error
	h.rail.OnReceive(h.seller, func(ctx context.Context, _ decimal.Decimal) error {
		_, err := h.market.BuyCredits(ctx, h.seller, listingID, BuyRequest{Amount: 1, Payment: centPrice})
		inner = append(inner, err)
		inner = append(inner, h.market.CancelListing(ctx, h.seller, listingID))
		_, err = h.market.CreateListing(ctx, h.seller, CreateListingRequest{CreditTypeID: creditID, Amount: 1, PricePerUnit: centPrice})
		inner = append(inner, err)
		inner = append(inner, h.market.UpdateProtocolFee(ctx, h.admin, 100))
		return nil
	})

	_, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 10, Payment: centPrice.Mul(decimal.NewFromInt(10))})
	require.NoError(t, err)
	require.Len(t, inner, 4)
	for _, e := range inner {
		assert.ErrorIs(t, e, errs.ErrReentrantCall)
	}

	l, err := h.market.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), l.RemainingAmount)
	assert.True(t, l.Active)

	// A recipient that propagates the guard error aborts the purchase.
	h.rail.OnReceive(h.seller, func(ctx context.Context, _ decimal.Decimal) error {
		return h.market.CancelListing(ctx, h.seller, listingID)
	})
	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 10, Payment: centPrice.Mul(decimal.NewFromInt(10))})
	assert.ErrorIs(t, err, errs.ErrPaymentFailed)
	assert.ErrorIs(t, err, errs.ErrReentrantCall)
}

func TestReentryWithFreshContextIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 100, centPrice)

	var inner []error
	h.rail.OnReceive(h.seller, func(context.Context, decimal.Decimal) error {
		fresh := context.Background()
		inner = append(inner, h.market.CancelListing(fresh, h.seller, listingID))
		_, err := h.market.BuyCredits(fresh, h.seller, listingID, BuyRequest{Amount: 1, Payment: centPrice})
		inner = append(inner, err)
		inner = append(inner, h.ledger.Transfer(fresh, h.seller, h.buyer, creditID, 1))
		return nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 10, Payment: centPrice.Mul(decimal.NewFromInt(10))})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("purchase blocked on a recipient calling back in")
	}

	require.Len(t, inner, 3)
	for _, e := range inner {
		assert.ErrorIs(t, e, errs.ErrReentrantCall)
	}
	l, err := h.market.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), l.RemainingAmount)
	assert.True(t, l.Active)
	assert.Equal(t, uint64(10), h.creditBalance(t, h.buyer, creditID))

	// Propagating the rejection aborts the purchase, and the market stays usable.
	h.rail.OnReceive(h.seller, func(context.Context, decimal.Decimal) error {
		return h.market.CancelListing(context.Background(), h.seller, listingID)
	})
	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 10, Payment: centPrice.Mul(decimal.NewFromInt(10))})
	assert.ErrorIs(t, err, errs.ErrPaymentFailed)
	assert.ErrorIs(t, err, errs.ErrReentrantCall)

	h.rail.OnReceive(h.seller, nil)
	require.NoError(t, h.market.CancelListing(ctx, h.seller, listingID))
}

func TestSettlementAboveInt64IsExact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.rail.Deposit(ctx, h.buyer, decimal.RequireFromString("20000000000000000003")))
	assertDecimal(t, "21000000000000000003", h.wallet(t, h.buyer))

	price := decimal.RequireFromString("1000000000000000001")
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 100, price)

	payment := decimal.RequireFromString("10000000000000000017")
	receipt, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 10, Payment: payment})
	require.NoError(t, err)

	assertDecimal(t, "10000000000000000010", receipt.TotalPrice)
	assertDecimal(t, "250000000000000000", receipt.Fee)
	assertDecimal(t, "9750000000000000010", receipt.SellerProceeds)
	assertDecimal(t, "7", receipt.Refund)
	assert.True(t, receipt.SellerProceeds.Add(receipt.Fee).Add(receipt.Refund).Equal(payment))

	assertDecimal(t, "10999999999999999993", h.wallet(t, h.buyer))
	assertDecimal(t, "9750000000000000010", h.wallet(t, h.seller))
	assertDecimal(t, "250000000000000000", h.wallet(t, h.recipient))

	l, err := h.market.GetListing(ctx, listingID)
	require.NoError(t, err)
	assertDecimal(t, "1000000000000000001", l.PricePerUnit.Decimal)

	purchases, err := h.market.GetPurchases(ctx, listingID)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	p := purchases[0]
	assertDecimal(t, "1000000000000000001", p.PricePerUnit.Decimal)
	assertDecimal(t, "10000000000000000010", p.TotalPrice.Decimal)
	assertDecimal(t, "250000000000000000", p.Fee.Decimal)
	assertDecimal(t, "9750000000000000010", p.SellerProceeds.Decimal)
	assertDecimal(t, "7", p.Refund.Decimal)

	volume, err := h.market.TotalVolumeTraded(ctx)
	require.NoError(t, err)
	assertDecimal(t, "10000000000000000010", volume)
}

func TestActiveListingsOrderByNumericPrice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)

	expensive := h.list(t, creditID, 10, decimal.NewFromInt(100))
	cheap := h.list(t, creditID, 10, decimal.NewFromInt(20))
	huge := h.list(t, creditID, 10, decimal.RequireFromString("30000000000000000000"))

	active, err := h.market.ActiveListings(ctx, nil)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, []uint64{cheap, expensive, huge}, []uint64{active[0].ID, active[1].ID, active[2].ID})
}

// The seller's balance is checked when listing, not when buying. If the
// seller moves credits away afterwards, the purchase fails in the transfer
// step and the listing keeps its stale quantity.
func TestStaleListingAfterSellerTransfersAway(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 80, centPrice)

	elsewhere := uuid.New()
	require.NoError(t, h.ledger.Transfer(ctx, h.seller, elsewhere, creditID, 70))

	_, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 80, Payment: centPrice.Mul(decimal.NewFromInt(80))})
	require.ErrorIs(t, err, errs.ErrTransferFailed)
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)

	l, err := h.market.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.True(t, l.Active, "listing stays active")
	assert.Equal(t, uint64(80), l.RemainingAmount)
	assertDecimal(t, "1000000000000000000", h.wallet(t, h.buyer))

	// What the seller still holds can be bought.
	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 30, Payment: centPrice.Mul(decimal.NewFromInt(30))})
	require.NoError(t, err)
	assert.Equal(t, uint64(30), h.creditBalance(t, h.buyer, creditID))
}

func TestPausedMarketRejectsMutations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 10, centPrice)
	h.flag.Set(true)

	_, err := h.market.CreateListing(ctx, h.seller, CreateListingRequest{CreditTypeID: creditID, Amount: 1, PricePerUnit: centPrice})
	assert.ErrorIs(t, err, errs.ErrPaused)
	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 1, Payment: centPrice})
	assert.ErrorIs(t, err, errs.ErrPaused)
	assert.ErrorIs(t, h.market.CancelListing(ctx, h.seller, listingID), errs.ErrPaused)
	assert.ErrorIs(t, h.market.UpdateProtocolFee(ctx, h.admin, 10), errs.ErrPaused)
	assert.ErrorIs(t, h.market.UpdateFeeRecipient(ctx, h.admin, uuid.New()), errs.ErrPaused)

	// Pause wins over authorization.
	assert.ErrorIs(t, h.market.CancelListing(ctx, h.buyer, listingID), errs.ErrPaused)

	l, err := h.market.GetListing(ctx, listingID)
	require.NoError(t, err)
	assert.True(t, l.Active)

	h.flag.Set(false)
	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 1, Payment: centPrice})
	require.NoError(t, err)
}

func TestUpdateFeeRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.market.UpdateFeeRecipient(ctx, h.admin, uuid.Nil), errs.ErrInvalidAddress)
	assert.ErrorIs(t, h.market.UpdateFeeRecipient(ctx, h.buyer, uuid.New()), errs.ErrUnauthorized)

	next := uuid.New()
	require.NoError(t, h.market.UpdateFeeRecipient(ctx, h.admin, next))
	bps, recipient, err := h.market.CurrentFee(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(DefaultFeeBps), bps)
	assert.Equal(t, next, recipient)

	ev, ok := h.rec.Last(events.KindRecipientUpdated)
	require.True(t, ok)
	assert.Equal(t, next, ev.Fields["new_recipient"])

	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 100, centPrice)
	_, err = h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 50, Payment: halfUnit})
	require.NoError(t, err)
	assertDecimal(t, "12500000000000000", h.wallet(t, next))
	assert.True(t, h.wallet(t, h.recipient).IsZero())
}

func TestInitKeepsExistingSettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.market.UpdateProtocolFee(ctx, h.admin, 40))

	require.NoError(t, h.market.Init(ctx, Defaults{FeeBps: DefaultFeeBps, FeeRecipient: uuid.New()}))
	bps, recipient, err := h.market.CurrentFee(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(40), bps)
	assert.Equal(t, h.recipient, recipient)

	assert.ErrorIs(t, h.market.Init(ctx, Defaults{FeeBps: 101}), errs.ErrFeeTooHigh)
}

func TestQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	first := h.list(t, creditID, 10, centPrice.Mul(decimal.NewFromInt(2)))
	second := h.list(t, creditID, 10, centPrice)
	require.NoError(t, h.market.CancelListing(ctx, h.seller, first))
	assert.Equal(t, uint64(1), second)

	total, err := h.market.GetTotalListings(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), total)

	mine, err := h.market.GetListingsBySeller(ctx, h.seller)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, first, mine[0].ID)

	none, err := h.market.GetListingsBySeller(ctx, h.buyer)
	require.NoError(t, err)
	assert.Empty(t, none)

	active, err := h.market.ActiveListings(ctx, &creditID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second, active[0].ID)

	_, err = h.market.GetListing(ctx, 7)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = h.market.BuyCredits(ctx, h.buyer, second, BuyRequest{Amount: 5, Payment: halfUnit})
	require.NoError(t, err)

	stats, err := h.market.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.TotalListings)
	assert.Equal(t, int64(1), stats.ActiveListings)
	assert.Equal(t, int64(1), stats.Purchases)
	assertDecimal(t, "50000000000000000", stats.TotalVolume)
	assert.Equal(t, uint16(DefaultFeeBps), stats.FeeBps)
}

func TestExportTrades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	creditID := h.verifiedCredits(t, 100)
	listingID := h.list(t, creditID, 100, centPrice)
	for i := 0; i < 3; i++ {
		_, err := h.market.BuyCredits(ctx, h.buyer, listingID, BuyRequest{Amount: 10, Payment: centPrice.Mul(decimal.NewFromInt(10))})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, h.market.ExportTrades(ctx, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(tradesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, tradeColumns, rows[0])
	assert.Equal(t, "100000000000000000", rows[1][7])
	assert.Equal(t, "25/1000", rows[1][9])

	summary, err := f.GetRows(summarySheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"Total volume", "300000000000000000"}, summary[3])
}
