package algebra

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

var (
	// ErrPole is returned when an expression has no finite value at the requested point.
	ErrPole = errors.New("pole")

	// ErrNotNumeric is returned when a numeric value is requested from a symbolic expression.
	ErrNotNumeric = errors.New("expression is not numeric")

	// ErrDivisionByZero is returned when dividing by an identically zero expression.
	ErrDivisionByZero = errors.New("division by zero")
)

var one = ConstPoly(big.NewRat(1, 1))

// Expr is a rational function num/den. The zero value is the number 0.
type Expr struct {
	num Poly
	den Poly
}

// Int returns the integer n as an expression.
func Int(n int64) Expr {
	return Expr{num: ConstPoly(big.NewRat(n, 1)), den: one}
}

// Rat returns the rational c as an expression.
func Rat(c *big.Rat) Expr {
	return Expr{num: ConstPoly(c), den: one}
}

// Var returns the variable v as an expression.
func Var(v string) Expr {
	return Expr{num: VarPoly(v), den: one}
}

// FromPoly lifts a polynomial into an expression.
func FromPoly(p Poly) Expr {
	return Expr{num: p, den: one}
}

func (e Expr) d() Poly {
	if e.den.IsZero() {
		return one
	}
	return e.den
}

// Num returns the canonical numerator.
func (e Expr) Num() Poly { return e.num }

// Den returns the canonical denominator.
func (e Expr) Den() Poly { return e.d() }

// Poly returns e as a polynomial if its denominator is 1.
func (e Expr) Poly() (Poly, bool) {
	if c, ok := e.d().Const(); ok && c.Cmp(big.NewRat(1, 1)) == 0 {
		return e.num, true
	}
	return Poly{}, false
}

// normalize brings num/den into canonical form: common monomial factors
// removed, the first denominator coefficient equal to 1 and proportional
// numerator/denominator pairs collapsed to a constant.
func normalize(num, den Poly) Expr {
	if num.IsZero() {
		return Expr{den: one}
	}
	if c, ok := den.Const(); ok {
		return Expr{num: num.Scale(new(big.Rat).Inv(c)), den: one}
	}
	nm, dm := num.commonMonomial(), den.commonMonomial()
	shared := Monomial{}
	for _, f := range nm {
		if e := min(f.Exp, dm.Exp(f.Var)); e > 0 {
			shared = append(shared, Factor{Var: f.Var, Exp: e})
		}
	}
	num, den = num.divMonomial(shared), den.divMonomial(shared)
	if c, ok := den.Const(); ok {
		return Expr{num: num.Scale(new(big.Rat).Inv(c)), den: one}
	}
	lead := new(big.Rat).Inv(den.terms[0].Coef)
	num, den = num.Scale(lead), den.Scale(lead)
	if r, ok := proportional(num, den); ok {
		return Expr{num: ConstPoly(r), den: one}
	}
	return Expr{num: num, den: den}
}

// proportional reports whether a == r*b for a constant r.
func proportional(a, b Poly) (*big.Rat, bool) {
	if len(a.terms) != len(b.terms) || len(a.terms) == 0 {
		return nil, false
	}
	r := new(big.Rat).Quo(a.terms[0].Coef, b.terms[0].Coef)
	for i := range a.terms {
		if a.terms[i].key != b.terms[i].key {
			return nil, false
		}
		if new(big.Rat).Mul(b.terms[i].Coef, r).Cmp(a.terms[i].Coef) != 0 {
			return nil, false
		}
	}
	return r, true
}

func (e Expr) IsZero() bool {
	return e.num.IsZero()
}

// IsNumeric reports whether e contains no variables.
func (e Expr) IsNumeric() bool {
	_, ok := e.num.Const()
	if !ok {
		return false
	}
	_, ok = e.d().Const()
	return ok
}

// Rat returns the exact value of a numeric expression.
func (e Expr) Rat() (*big.Rat, error) {
	n, ok := e.num.Const()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotNumeric, e)
	}
	d, ok := e.d().Const()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotNumeric, e)
	}
	return n.Quo(n, d), nil
}

// Float64 returns the nearest float64 of a numeric expression.
func (e Expr) Float64() (float64, error) {
	r, err := e.Rat()
	if err != nil {
		return 0, err
	}
	f, _ := r.Float64()
	return f, nil
}

func (e Expr) Equal(o Expr) bool {
	return e.num.Equal(o.num) && e.d().Equal(o.d())
}

func (e Expr) Add(o Expr) Expr {
	if e.d().Equal(o.d()) {
		return normalize(e.num.Add(o.num), e.d())
	}
	return normalize(e.num.Mul(o.d()).Add(o.num.Mul(e.d())), e.d().Mul(o.d()))
}

func (e Expr) Neg() Expr {
	return Expr{num: e.num.Neg(), den: e.d()}
}

func (e Expr) Sub(o Expr) Expr {
	return e.Add(o.Neg())
}

func (e Expr) Mul(o Expr) Expr {
	if e.IsZero() || o.IsZero() {
		return Expr{den: one}
	}
	return normalize(e.num.Mul(o.num), e.d().Mul(o.d()))
}

// Div returns e/o or ErrDivisionByZero.
func (e Expr) Div(o Expr) (Expr, error) {
	if o.IsZero() {
		return Expr{}, ErrDivisionByZero
	}
	return normalize(e.num.Mul(o.d()), e.d().Mul(o.num)), nil
}

// MustDiv is Div for divisors known to be non-zero.
func (e Expr) MustDiv(o Expr) Expr {
	q, err := e.Div(o)
	if err != nil {
		panic(err)
	}
	return q
}

// Pow raises e to an integer power; negative powers of zero are an error.
func (e Expr) Pow(n int) (Expr, error) {
	if n >= 0 {
		return normalize(e.num.Pow(n), e.d().Pow(n)), nil
	}
	if e.IsZero() {
		return Expr{}, ErrDivisionByZero
	}
	return normalize(e.d().Pow(-n), e.num.Pow(-n)), nil
}

// Diff differentiates e with respect to v.
func (e Expr) Diff(v string) Expr {
	den := e.d()
	if _, ok := den.Const(); ok {
		return normalize(e.num.Diff(v), den)
	}
	num := e.num.Diff(v).Mul(den).Sub(e.num.Mul(den.Diff(v)))
	return normalize(num, den.Mul(den))
}

// Subs substitutes every variable named in rules simultaneously.
func (e Expr) Subs(rules map[string]Expr) (Expr, error) {
	if len(rules) == 0 {
		return e, nil
	}
	num := substitutePoly(e.num, rules)
	den := substitutePoly(e.d(), rules)
	return num.Div(den)
}

func substitutePoly(p Poly, rules map[string]Expr) Expr {
	out := Expr{den: one}
	for _, t := range p.terms {
		term := Rat(t.Coef)
		rest := Monomial{}
		for _, f := range t.Mono {
			r, ok := rules[f.Var]
			if !ok {
				rest = append(rest, f)
				continue
			}
			pw, _ := r.Pow(f.Exp)
			term = term.Mul(pw)
		}
		if len(rest) > 0 {
			term = term.Mul(FromPoly(Poly{terms: []Term{{Coef: big.NewRat(1, 1), Mono: rest, key: rest.key()}}}))
		}
		out = out.Add(term)
	}
	return out
}

// AtZero evaluates e at v = 0. It returns ErrPole when the denominator
// vanishes to a higher order in v than the numerator.
func (e Expr) AtZero(v string) (Expr, error) {
	if e.IsZero() {
		return e, nil
	}
	a, b := e.num.LowDegree(v), e.d().LowDegree(v)
	if a < b {
		return Expr{}, fmt.Errorf("%w at %s = 0", ErrPole, v)
	}
	if a > b {
		return Expr{den: one}, nil
	}
	num := e.num.Coeff(v, a)
	den := e.d().Coeff(v, b)
	return normalize(num, den), nil
}

// ReplaceMonomial applies Poly.ReplaceMonomial to numerator and denominator.
func (e Expr) ReplaceMonomial(m Monomial, r Poly) (Expr, error) {
	return FromPoly(e.num.ReplaceMonomial(m, r)).Div(FromPoly(e.d().ReplaceMonomial(m, r)))
}

// Degree is the degree of v in the numerator of e.
func (e Expr) Degree(v string) int {
	return e.num.Degree(v)
}

// Vars returns the variables of e.
func (e Expr) Vars() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, v := range append(e.num.Vars(), e.d().Vars()...) {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func (e Expr) String() string {
	if _, ok := e.Poly(); ok {
		return e.num.String()
	}
	return "(" + e.num.String() + ")/(" + e.d().String() + ")"
}

// MarshalText encodes e in its canonical text form.
func (e Expr) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText parses the canonical text form.
func (e *Expr) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Eval evaluates e in floating point with every variable bound by at.
func (e Expr) Eval(at map[string]float64) (float64, error) {
	n, err := evalPoly(e.num, at)
	if err != nil {
		return 0, err
	}
	d, err := evalPoly(e.d(), at)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, ErrDivisionByZero
	}
	return n / d, nil
}

func evalPoly(p Poly, at map[string]float64) (float64, error) {
	sum := 0.0
	for _, t := range p.terms {
		c, _ := t.Coef.Float64()
		for _, f := range t.Mono {
			x, ok := at[f.Var]
			if !ok {
				return 0, fmt.Errorf("%w: %s is unbound", ErrNotNumeric, f.Var)
			}
			c *= math.Pow(x, float64(f.Exp))
		}
		sum += c
	}
	return sum, nil
}

// Gamma returns Γ(n) = (n-1)! for a positive integer n.
func Gamma(n int) Expr {
	if n < 1 {
		panic(fmt.Sprintf("algebra: Gamma(%d) is not defined on non-positive integers", n))
	}
	f := new(big.Int).MulRange(1, int64(n-1))
	return Rat(new(big.Rat).SetInt(f))
}
