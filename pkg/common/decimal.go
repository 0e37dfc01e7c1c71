// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	decimal2 "github.com/govalues/decimal"
)

type Decimal struct {
	decimal2.Decimal
}

func ParseDecimal(s string) (Decimal, error) {
	d, err := decimal2.Parse(s)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{d}, nil
}

func DecimalFromInt64(coef int64, scale int) Decimal {
	d, err := decimal2.New(coef, scale)
	if err != nil {
		panic(err)
	}
	return Decimal{d}
}

func (dec Decimal) Equal(o Decimal) bool {
	return dec.Decimal.Cmp(o.Decimal) == 0
}

func (dec Decimal) Compare(o Decimal) int {
	return dec.Decimal.Cmp(o.Decimal)
}

func (dec Decimal) String() string {
	return dec.Decimal.String()
}

// Canonical drops trailing zeros so equal values share a hash.
func (dec Decimal) Canonical() string {
	return dec.Decimal.Trim(0).String()
}

func (dec Decimal) Add(rhs Decimal) (Decimal, error) {
	res, err := dec.Decimal.Add(rhs.Decimal)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{res}, nil
}

func (dec Decimal) Sub(rhs Decimal) (Decimal, error) {
	res, err := dec.Decimal.Sub(rhs.Decimal)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{res}, nil
}

func (dec Decimal) Mul(rhs Decimal) (Decimal, error) {
	res, err := dec.Decimal.Mul(rhs.Decimal)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{res}, nil
}

func (dec Decimal) QuoInt(n int64) (Decimal, error) {
	div, err := decimal2.New(n, 0)
	if err != nil {
		return Decimal{}, err
	}
	res, err := dec.Decimal.Quo(div)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{res}, nil
}

func (dec Decimal) Neg() Decimal {
	return Decimal{dec.Decimal.Neg()}
}

func (dec Decimal) Float64() float64 {
	f, _ := dec.Decimal.Float64()
	return f
}
