package generator

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/jaswdr/faker"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/dbimporter/pkg/models"
)

var (
	enumPattern   = regexp.MustCompile(`^(?:enum|set)\((.+)\)$`)
	quotedPattern = regexp.MustCompile(`'([^']*)'`)
)

// nameHint produces a value for columns whose name contains one of keys.
type nameHint struct {
	keys []string
	skip string
	gen  func(vg *ValueGenerator) interface{}
}

// Checked in order; the first match wins.
var nameHints = []nameHint{
	{keys: []string{"email"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Internet().Email() }},
	{keys: []string{"first_name", "firstname"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Person().FirstName() }},
	{keys: []string{"last_name", "lastname", "surname"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Person().LastName() }},
	{keys: []string{"username", "user_name", "login"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Internet().User() }},
	{keys: []string{"company", "business"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Company().Name() }},
	{keys: []string{"name"}, skip: "file", gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Person().Name() }},
	{keys: []string{"phone", "mobile"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Phone().Number() }},
	{keys: []string{"address", "street"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Address().Address() }},
	{keys: []string{"city"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Address().City() }},
	{keys: []string{"country"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Address().Country() }},
	{keys: []string{"zip", "postal"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Address().PostCode() }},
	{keys: []string{"description", "summary", "comment"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Lorem().Paragraph(2) }},
	{keys: []string{"title", "subject"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Lorem().Sentence(4) }},
	{keys: []string{"url", "website"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Internet().URL() }},
	{keys: []string{"ip_address", "ipv4"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Internet().Ipv4() }},
	{keys: []string{"password"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Internet().Password() }},
	{keys: []string{"token"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.RandomStringWithLength(32) }},
	{keys: []string{"color", "colour"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.Color().Hex() }},
	{keys: []string{"uuid", "guid"}, gen: func(vg *ValueGenerator) interface{} { return vg.Faker.UUID().V4() }},
}

// ValueGenerator produces fake column values from column metadata. It is not
// safe for concurrent use.
type ValueGenerator struct {
	Faker  faker.Faker
	Rand   *rand.Rand
	Now    time.Time
	Logger *logrus.Logger
}

// NewValueGenerator creates a generator; the same seed yields the same values.
func NewValueGenerator(seed int64, logger *logrus.Logger) *ValueGenerator {
	return &ValueGenerator{
		Faker:  faker.NewWithSeed(rand.NewSource(seed)),
		Rand:   rand.New(rand.NewSource(seed)),
		Now:    time.Now(),
		Logger: logger,
	}
}

// Value returns a value that fits the column's type and length.
func (vg *ValueGenerator) Value(column models.Column) interface{} {
	dataType := strings.ToLower(column.DataType)
	if isText(dataType) {
		name := strings.ToLower(column.Name)
		for _, hint := range nameHints {
			if hint.skip != "" && strings.Contains(name, hint.skip) {
				continue
			}
			for _, key := range hint.keys {
				if strings.Contains(name, key) {
					return vg.fit(column, fmt.Sprint(hint.gen(vg)))
				}
			}
		}
	}
	return vg.byType(column, dataType)
}

func isText(dataType string) bool {
	switch dataType {
	case "varchar", "char", "text", "tinytext", "mediumtext", "longtext",
		"character varying", "character", "uuid":
		return true
	}
	return false
}

func (vg *ValueGenerator) byType(column models.Column, dataType string) interface{} {
	switch dataType {
	case "varchar", "char", "text", "tinytext", "mediumtext", "longtext", "character varying", "character":
		return vg.text(column)
	case "int", "integer", "mediumint", "bigint", "smallint", "tinyint":
		return vg.integer(column, dataType)
	case "float", "double", "real", "double precision", "decimal", "numeric":
		return vg.decimal(column)
	case "boolean", "bool":
		return vg.Rand.Intn(2) == 1
	case "date":
		return vg.Now.AddDate(0, 0, -vg.Rand.Intn(365*5)).Format("2006-01-02")
	case "time", "time without time zone":
		return fmt.Sprintf("%02d:%02d:%02d", vg.Rand.Intn(24), vg.Rand.Intn(60), vg.Rand.Intn(60))
	case "datetime", "timestamp", "timestamp without time zone", "timestamp with time zone":
		return vg.Now.Add(-time.Duration(vg.Rand.Int63n(int64(5 * 365 * 24 * time.Hour)))).Truncate(time.Second)
	case "year":
		return 1970 + vg.Rand.Intn(vg.Now.Year()-1970+1)
	case "enum":
		if values := listValues(column.ColumnType); len(values) > 0 {
			return values[vg.Rand.Intn(len(values))]
		}
		return ""
	case "set":
		values := listValues(column.ColumnType)
		if len(values) == 0 {
			return ""
		}
		picked := vg.Rand.Perm(len(values))[:vg.Rand.Intn(len(values))+1]
		out := make([]string, len(picked))
		for i, idx := range picked {
			out[i] = values[idx]
		}
		return strings.Join(out, ",")
	case "json", "jsonb":
		return vg.json()
	case "uuid":
		return vg.Faker.UUID().V4()
	case "binary", "varbinary", "blob", "tinyblob", "mediumblob", "longblob", "bytea":
		n := int64(16)
		if column.CharMaxLength != nil && *column.CharMaxLength < n {
			n = *column.CharMaxLength
		}
		data := make([]byte, n)
		vg.Rand.Read(data)
		return data
	default:
		vg.Logger.Warningf("No specific generator for type %s, using default string", dataType)
		return vg.fit(column, vg.Faker.Lorem().Word())
	}
}

func (vg *ValueGenerator) text(column models.Column) string {
	limit := int64(100)
	if column.CharMaxLength != nil && *column.CharMaxLength < limit {
		limit = *column.CharMaxLength
	}
	if limit <= 0 {
		return ""
	}
	length := vg.Rand.Int63n(limit) + 1

	var s string
	switch {
	case length <= 5:
		s = vg.Faker.RandomStringWithLength(int(length))
	case length <= 12:
		s = vg.Faker.Lorem().Word()
	default:
		s = vg.Faker.Lorem().Sentence(int(length/8) + 1)
	}
	return vg.fit(column, s)
}

// fit truncates s to the column's character limit.
func (vg *ValueGenerator) fit(column models.Column, s string) string {
	if column.CharMaxLength == nil {
		return s
	}
	if r := []rune(s); int64(len(r)) > *column.CharMaxLength {
		return string(r[:*column.CharMaxLength])
	}
	return s
}

func (vg *ValueGenerator) integer(column models.Column, dataType string) interface{} {
	unsigned := strings.Contains(strings.ToLower(column.ColumnType), "unsigned")
	switch dataType {
	case "tinyint":
		if strings.Contains(strings.ToLower(column.ColumnType), "tinyint(1)") {
			return int64(vg.Rand.Intn(2))
		}
		if unsigned {
			return int64(vg.Rand.Intn(256))
		}
		return int64(vg.Rand.Intn(256) - 128)
	case "smallint":
		if unsigned {
			return int64(vg.Rand.Intn(65536))
		}
		return int64(vg.Rand.Intn(65536) - 32768)
	case "bigint":
		return vg.Rand.Int63n(1 << 40)
	default:
		return int64(vg.Rand.Int31n(1_000_000))
	}
}

func (vg *ValueGenerator) decimal(column models.Column) float64 {
	value := vg.Rand.Float64() * 1000
	if column.NumericPrecision != nil && column.NumericScale != nil {
		// stay below 10^(precision-scale)
		if digits := *column.NumericPrecision - *column.NumericScale; digits < 3 {
			limit := 1.0
			for i := int64(0); i < digits; i++ {
				limit *= 10
			}
			value = vg.Rand.Float64() * limit * 0.99
		}
	}
	if column.NumericScale != nil {
		multiplier := 1.0
		for i := int64(0); i < *column.NumericScale; i++ {
			multiplier *= 10
		}
		value = float64(int64(value*multiplier)) / multiplier
	}
	return value
}

func (vg *ValueGenerator) json() string {
	data, err := json.Marshal(map[string]interface{}{
		"id":      vg.Rand.Intn(1000),
		"name":    vg.Faker.Lorem().Word(),
		"value":   vg.Faker.Lorem().Sentence(5),
		"enabled": vg.Rand.Intn(2) == 1,
	})
	if err != nil {
		vg.Logger.Errorf("Error generating JSON: %v", err)
		return "{}"
	}
	return string(data)
}

// listValues extracts the members of an enum(...) or set(...) column type.
func listValues(columnType string) []string {
	m := enumPattern.FindStringSubmatch(strings.TrimSpace(columnType))
	if len(m) < 2 {
		return nil
	}
	var values []string
	for _, v := range quotedPattern.FindAllStringSubmatch(m[1], -1) {
		values = append(values, v[1])
	}
	return values
}
