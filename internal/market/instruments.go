package market

import "tradesim/internal/domain"

// DefaultInstruments is the built-in US equity catalogue used when no
// instruments are configured.
func DefaultInstruments() []domain.Instrument {
	return []domain.Instrument{
		{Symbol: "AAPL", Name: "Apple Inc.", Currency: "USD", LotSize: 1, Decimals: 2, StartPrice: 185, Volatility: 0.018, Drift: 0.0004, BaseVolume: 55_000_000},
		{Symbol: "AMZN", Name: "Amazon.com Inc.", Currency: "USD", LotSize: 1, Decimals: 2, StartPrice: 178, Volatility: 0.022, Drift: 0.0004, BaseVolume: 45_000_000},
		{Symbol: "GOOGL", Name: "Alphabet Inc.", Currency: "USD", LotSize: 1, Decimals: 2, StartPrice: 165, Volatility: 0.02, Drift: 0.0003, BaseVolume: 28_000_000},
		{Symbol: "JPM", Name: "JPMorgan Chase & Co.", Currency: "USD", LotSize: 1, Decimals: 2, StartPrice: 198, Volatility: 0.014, Drift: 0.0003, BaseVolume: 9_000_000},
		{Symbol: "MSFT", Name: "Microsoft Corp.", Currency: "USD", LotSize: 1, Decimals: 2, StartPrice: 415, Volatility: 0.016, Drift: 0.0004, BaseVolume: 20_000_000},
		{Symbol: "NVDA", Name: "NVIDIA Corp.", Currency: "USD", LotSize: 1, Decimals: 2, StartPrice: 120, Volatility: 0.032, Drift: 0.0008, BaseVolume: 250_000_000},
		{Symbol: "SPY", Name: "SPDR S&P 500 ETF", Currency: "USD", LotSize: 1, Decimals: 2, StartPrice: 540, Volatility: 0.009, Drift: 0.0003, BaseVolume: 60_000_000},
		{Symbol: "TSLA", Name: "Tesla Inc.", Currency: "USD", LotSize: 1, Decimals: 2, StartPrice: 210, Volatility: 0.035, Drift: 0.0002, BaseVolume: 95_000_000},
	}
}
