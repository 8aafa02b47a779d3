package ogc

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
)

type VectorQuery struct {
	Table     string
	BBox      *model.BBox
	Tolerance float64
	Limit     int
	SRID      string
}

var tablePattern = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_]*\.)?[a-zA-Z_][a-zA-Z0-9_]*$`)

func ValidateTable(table string) error {
	if table == "" {
		return errors.New("table is required")
	}
	if !tablePattern.MatchString(table) {
		return fmt.Errorf("invalid table identifier %q", table)
	}
	return nil
}

// BuildVectorParams omits bbox when none is given; the service then applies
// its own unbounded default limit.
func BuildVectorParams(q VectorQuery) url.Values {
	params := url.Values{}
	params.Set("table", q.Table)
	if q.BBox != nil {
		params.Set("bbox", q.BBox.String())
	}
	params.Set("tolerance", strconv.FormatFloat(q.Tolerance, 'f', -1, 64))
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	srid := q.SRID
	if srid == "" {
		srid = model.SRID4326
	}
	params.Set("srid", srid)
	return params
}
