package domain

import "github.com/shopspring/decimal"

// MoneyScale — количество знаков после запятой для денежных сумм.
const MoneyScale = 2

// Round2 округляет сумму до копеек по правилу half away from zero.
func Round2(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MoneyScale)
}

// ParseMoney разбирает строковую сумму и округляет её до копеек.
func ParseMoney(value string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, Validationf("invalid amount %q", value)
	}
	return Round2(amount), nil
}

// MustMoney — вариант ParseMoney для констант и тестов.
func MustMoney(value string) decimal.Decimal {
	amount, err := ParseMoney(value)
	if err != nil {
		panic(err)
	}
	return amount
}

// ToMinorUnits переводит сумму в минимальные денежные единицы (копейки, центы).
func ToMinorUnits(amount decimal.Decimal) int64 {
	return Round2(amount).Shift(MoneyScale).IntPart()
}

// FromMinorUnits — обратное преобразование к ToMinorUnits.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MoneyScale)
}
