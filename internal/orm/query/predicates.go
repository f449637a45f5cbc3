package query

import (
	"fmt"
	"strings"
)

// Operator represents a comparison operator
type Operator int

const (
	OpEqual Operator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpLessThan
	OpLessThanOrEqual
	OpIn
	OpNotIn
	OpContains
	OpNotContains
	OpIsNull
	OpIsNotNull
	OpBetween
	OpNone
)

// String returns the string representation of the operator
func (o Operator) String() string {
	switch o {
	case OpEqual:
		return "="
	case OpNotEqual:
		return "!="
	case OpGreaterThan:
		return ">"
	case OpGreaterThanOrEqual:
		return ">="
	case OpLessThan:
		return "<"
	case OpLessThanOrEqual:
		return "<="
	case OpIn:
		return "IN"
	case OpNotIn:
		return "NOT IN"
	case OpContains:
		return "CONTAINS"
	case OpNotContains:
		return "NOT CONTAINS"
	case OpIsNull:
		return "IS NULL"
	case OpIsNotNull:
		return "IS NOT NULL"
	case OpBetween:
		return "BETWEEN"
	case OpNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseComparison maps a filter operator token to an Operator.
// "==" and "=" are equality; unknown tokens report false.
func ParseComparison(token string) (Operator, bool) {
	switch strings.TrimSpace(token) {
	case "", "==", "=":
		return OpEqual, true
	case "!=", "<>":
		return OpNotEqual, true
	case ">":
		return OpGreaterThan, true
	case ">=":
		return OpGreaterThanOrEqual, true
	case "<":
		return OpLessThan, true
	case "<=":
		return OpLessThanOrEqual, true
	}
	return 0, false
}

// Condition represents a WHERE condition
type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// PredicateGroup represents a group of predicates combined with AND/OR
type PredicateGroup struct {
	Conditions []*Condition
	Groups     []*PredicateGroup
	Or         bool // true for OR, false for AND
}

// NewPredicateGroup creates a new predicate group
func NewPredicateGroup(or bool) *PredicateGroup {
	return &PredicateGroup{Or: or}
}

// Add appends a condition to the group and returns the group
func (pg *PredicateGroup) Add(field string, op Operator, value interface{}) *PredicateGroup {
	pg.Conditions = append(pg.Conditions, &Condition{Field: field, Operator: op, Value: value})
	return pg
}

// AddGroup adds a nested group
func (pg *PredicateGroup) AddGroup(group *PredicateGroup) {
	if group == nil || group.Empty() {
		return
	}
	pg.Groups = append(pg.Groups, group)
}

// Empty reports whether the group renders to nothing
func (pg *PredicateGroup) Empty() bool {
	if pg == nil {
		return true
	}
	if len(pg.Conditions) > 0 {
		return false
	}
	for _, g := range pg.Groups {
		if !g.Empty() {
			return false
		}
	}
	return true
}

// Fields returns every column referenced by the group
func (pg *PredicateGroup) Fields() []string {
	if pg == nil {
		return nil
	}
	var fields []string
	for _, c := range pg.Conditions {
		fields = append(fields, c.Field)
	}
	for _, g := range pg.Groups {
		fields = append(fields, g.Fields()...)
	}
	return fields
}

// ToSQL converts the predicate group to SQL
func (pg *PredicateGroup) ToSQL(paramCounter *int, args *[]interface{}) (string, error) {
	if pg.Empty() {
		return "", nil
	}

	parts := make([]string, 0, len(pg.Conditions)+len(pg.Groups))

	for _, cond := range pg.Conditions {
		sql, err := conditionToSQL(cond, paramCounter, args)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}

	for _, group := range pg.Groups {
		sql, err := group.ToSQL(paramCounter, args)
		if err != nil {
			return "", err
		}
		if sql != "" {
			parts = append(parts, fmt.Sprintf("(%s)", sql))
		}
	}

	connector := " AND "
	if pg.Or {
		connector = " OR "
	}

	return strings.Join(parts, connector), nil
}

func bind(args *[]interface{}, paramCounter *int, v interface{}) string {
	*args = append(*args, v)
	p := fmt.Sprintf("$%d", *paramCounter)
	*paramCounter++
	return p
}

// conditionToSQL converts a condition to SQL with parameterized values
func conditionToSQL(cond *Condition, paramCounter *int, args *[]interface{}) (string, error) {
	validateIdentifier(cond.Field)

	switch cond.Operator {
	case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		if cond.Value == nil {
			switch cond.Operator {
			case OpEqual:
				return fmt.Sprintf("%s IS NULL", cond.Field), nil
			case OpNotEqual:
				return fmt.Sprintf("%s IS NOT NULL", cond.Field), nil
			}
		}
		return fmt.Sprintf("%s %s %s", cond.Field, cond.Operator, bind(args, paramCounter, cond.Value)), nil

	case OpIn, OpNotIn:
		values, ok := cond.Value.([]interface{})
		if !ok {
			return "", fmt.Errorf("%s operator requires []interface{} value", cond.Operator)
		}
		if len(values) == 0 {
			if cond.Operator == OpIn {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}

		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = bind(args, paramCounter, v)
		}
		return fmt.Sprintf("%s %s (%s)", cond.Field, cond.Operator, strings.Join(placeholders, ", ")), nil

	case OpContains, OpNotContains:
		pattern := "%" + escapeLike(fmt.Sprint(cond.Value)) + "%"
		not := ""
		if cond.Operator == OpNotContains {
			not = "NOT "
		}
		return fmt.Sprintf("LOWER(%s) %sLIKE LOWER(%s) ESCAPE '\\'", cond.Field, not, bind(args, paramCounter, pattern)), nil

	case OpIsNull:
		return fmt.Sprintf("%s IS NULL", cond.Field), nil

	case OpIsNotNull:
		return fmt.Sprintf("%s IS NOT NULL", cond.Field), nil

	case OpBetween:
		values, ok := cond.Value.([]interface{})
		if !ok || len(values) != 2 {
			return "", fmt.Errorf("BETWEEN operator requires [min, max] values")
		}
		from := bind(args, paramCounter, values[0])
		to := bind(args, paramCounter, values[1])
		return fmt.Sprintf("%s BETWEEN %s AND %s", cond.Field, from, to), nil

	case OpNone:
		return "1 = 0", nil

	default:
		return "", fmt.Errorf("unsupported operator: %v", cond.Operator)
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
