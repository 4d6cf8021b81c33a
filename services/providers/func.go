package providers

import (
	"context"
	"errors"

	"data_gateway/models"
)

var errNotImplemented = errors.New("not implemented")

// FuncProvider adapts plain functions into a Provider. Nil functions fail.
type FuncProvider struct {
	Name           string
	QuoteFunc      func(ctx context.Context, market string, symbols []string) (models.QuotePayload, error)
	KlineFunc      func(ctx context.Context, q KlineQuery) (models.KlinePayload, error)
	FundamentalsFn func(ctx context.Context, market, symbol string) (models.FundamentalPayload, error)
	MoneyFlowFunc  func(ctx context.Context, market, symbol, date string) (models.MoneyFlowPayload, error)
	SectorsFunc    func(ctx context.Context, market, sectorType string) (models.SectorPayload, error)
}

func (f *FuncProvider) Code() string { return f.Name }

func (f *FuncProvider) Quote(ctx context.Context, market string, symbols []string) (models.QuotePayload, error) {
	if f.QuoteFunc == nil {
		return models.QuotePayload{}, errNotImplemented
	}
	return f.QuoteFunc(ctx, market, symbols)
}

func (f *FuncProvider) Kline(ctx context.Context, q KlineQuery) (models.KlinePayload, error) {
	if f.KlineFunc == nil {
		return models.KlinePayload{}, errNotImplemented
	}
	return f.KlineFunc(ctx, q)
}

func (f *FuncProvider) Fundamentals(ctx context.Context, market, symbol string) (models.FundamentalPayload, error) {
	if f.FundamentalsFn == nil {
		return models.FundamentalPayload{}, errNotImplemented
	}
	return f.FundamentalsFn(ctx, market, symbol)
}

func (f *FuncProvider) MoneyFlow(ctx context.Context, market, symbol, date string) (models.MoneyFlowPayload, error) {
	if f.MoneyFlowFunc == nil {
		return models.MoneyFlowPayload{}, errNotImplemented
	}
	return f.MoneyFlowFunc(ctx, market, symbol, date)
}

func (f *FuncProvider) Sectors(ctx context.Context, market, sectorType string) (models.SectorPayload, error) {
	if f.SectorsFunc == nil {
		return models.SectorPayload{}, errNotImplemented
	}
	return f.SectorsFunc(ctx, market, sectorType)
}
