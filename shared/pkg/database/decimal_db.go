package database

import (
	"database/sql/driver"
	"fmt"

	"github.com/paaavkata/crypto-wager/shared/pkg/utils"
	"github.com/shopspring/decimal"
)

// Decimal is a wrapper for shopspring.Decimal with DB compatibility.
type Decimal struct {
	decimal.Decimal
}

// NewDecimal converts a price for a NUMERIC(20,8) column.
func NewDecimal(f float64) Decimal {
	return Decimal{Decimal: utils.PriceDecimal(f)}
}

func (d Decimal) Float64() float64 {
	f, _ := d.Decimal.Float64()
	return f
}

// Value implements the driver.Valuer interface for database serialization.
func (d Decimal) Value() (driver.Value, error) {
	return d.Decimal.String(), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (d *Decimal) Scan(value interface{}) error {
	dec, err := scanDecimal(value)
	if err != nil {
		return err
	}
	d.Decimal = dec
	return nil
}

// NullDecimal is a nullable NUMERIC column.
type NullDecimal struct {
	Decimal Decimal
	Valid   bool
}

func (n NullDecimal) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Decimal.Value()
}

func (n *NullDecimal) Scan(value interface{}) error {
	if value == nil {
		n.Decimal, n.Valid = Decimal{}, false
		return nil
	}
	dec, err := scanDecimal(value)
	if err != nil {
		return err
	}
	n.Decimal, n.Valid = Decimal{Decimal: dec}, true
	return nil
}

// Ptr returns the value as *float64, nil when NULL.
func (n NullDecimal) Ptr() *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Decimal.Float64()
	return &f
}

func scanDecimal(value interface{}) (decimal.Decimal, error) {
	switch v := value.(type) {
	case []byte:
		return decimal.NewFromString(string(v))
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot scan decimal value: %v", value)
	}
}
