package query

import (
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Mongo collection names shared with the repository.
const (
	CustomersCollection = "customers"
	OrdersCollection    = "orders"
)

const msPerDay = SecondsPerDay * 1000

// RenderPipeline renders plan as a single aggregation over the customers
// collection. The final $facet stage yields {count: [{n}], sample: [...]}.
func RenderPipeline(plan *Plan, tenantID string, limit int) ([]bson.D, error) {
	filter, err := RenderBSON(plan.Filter)
	if err != nil {
		return nil, err
	}

	pipeline := []bson.D{
		{{Key: "$match", Value: bson.D{{Key: "tenantId", Value: tenantID}}}},
	}

	if plan.NeedsOrders {
		pipeline = append(pipeline, bson.D{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: OrdersCollection},
			{Key: "let", Value: bson.D{{Key: "cid", Value: "$_id"}, {Key: "tid", Value: "$tenantId"}}},
			{Key: "pipeline", Value: bson.A{
				bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{{Key: "$and", Value: bson.A{
					bson.D{{Key: "$eq", Value: bson.A{"$customerId", "$$cid"}}},
					bson.D{{Key: "$eq", Value: bson.A{"$tenantId", "$$tid"}}},
				}}}}}}},
			}},
			{Key: "as", Value: "_orders"},
		}}})
	}

	if len(plan.Derived) > 0 {
		fields := bson.D{}
		for _, f := range plan.Derived {
			expr, err := derivedBSON(f, plan.Now)
			if err != nil {
				return nil, err
			}
			fields = append(fields, bson.E{Key: f.Name, Value: expr})
		}
		pipeline = append(pipeline, bson.D{{Key: "$addFields", Value: fields}})
	}

	if plan.NeedsOrders {
		pipeline = append(pipeline, bson.D{{Key: "$project", Value: bson.D{{Key: "_orders", Value: 0}}}})
	}

	if len(filter) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: filter}})
	}

	pipeline = append(pipeline, bson.D{{Key: "$facet", Value: bson.D{
		{Key: "count", Value: bson.A{bson.D{{Key: "$count", Value: "n"}}}},
		{Key: "sample", Value: bson.A{
			bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
			bson.D{{Key: "$limit", Value: limit}},
			bson.D{{Key: "$project", Value: bson.D{
				{Key: "_id", Value: 1},
				{Key: "name", Value: 1},
				{Key: "email", Value: 1},
				{Key: "totalSpent", Value: 1},
			}}},
		}},
	}}})

	return pipeline, nil
}

func derivedBSON(f Field, now time.Time) (any, error) {
	switch f.Derive {
	case DeriveOrderCount:
		return bson.D{{Key: "$size", Value: "$_orders"}}, nil
	case DeriveAverageOrderValue:
		return bson.D{{Key: "$avg", Value: "$_orders.amount"}}, nil
	case DeriveDaysSinceLastOrder:
		return daysSinceBSON(bson.D{{Key: "$max", Value: "$_orders.orderDate"}}, now), nil
	case DeriveDaysSince:
		return daysSinceBSON("$"+f.Source, now), nil
	}
	return nil, fmt.Errorf("field %s has no Mongo derivation", f.Name)
}

// daysSinceBSON evaluates to null when date is null or missing.
func daysSinceBSON(date any, now time.Time) bson.D {
	return bson.D{{Key: "$ceil", Value: bson.D{{Key: "$divide", Value: bson.A{
		bson.D{{Key: "$subtract", Value: bson.A{now, date}}},
		msPerDay,
	}}}}}
}

// RenderBSON renders p as a $match document. Always renders as an empty document.
func RenderBSON(p Predicate) (bson.D, error) {
	switch x := p.(type) {
	case Always:
		return bson.D{}, nil
	case And:
		if len(x.Terms) == 0 {
			return bson.D{}, nil
		}
		terms, err := renderBSONTerms(x.Terms)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$and", Value: terms}}, nil
	case Or:
		if len(x.Terms) == 0 {
			return bson.D{{Key: "$expr", Value: false}}, nil
		}
		terms, err := renderBSONTerms(x.Terms)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$or", Value: terms}}, nil
	case Compare:
		return bson.D{{Key: x.Field.Name, Value: bson.D{{Key: bsonCmp[x.Op], Value: x.Value}}}}, nil
	case NotEqual:
		return bson.D{{Key: x.Field.Name, Value: bson.D{{Key: "$ne", Value: x.Value}}}}, nil
	case Match:
		return bson.D{{Key: x.Field.Name, Value: regexFor(x.Mode, x.Pattern)}}, nil
	case NotMatch:
		return bson.D{{Key: x.Field.Name, Value: bson.D{{Key: "$not", Value: regexFor(x.Mode, x.Pattern)}}}}, nil
	case In:
		return bson.D{{Key: x.Field.Name, Value: bson.D{{Key: "$in", Value: bson.A(x.Values)}}}}, nil
	case NotIn:
		return bson.D{{Key: x.Field.Name, Value: bson.D{{Key: "$nin", Value: bson.A(x.Values)}}}}, nil
	case Empty:
		return emptyBSON(x.Field), nil
	case NotEmpty:
		return notEmptyBSON(x.Field), nil
	}
	return nil, fmt.Errorf("unsupported predicate %T", p)
}

var bsonCmp = map[CmpOp]string{Eq: "$eq", Gt: "$gt", Gte: "$gte", Lt: "$lt", Lte: "$lte"}

func renderBSONTerms(terms []Predicate) (bson.A, error) {
	out := make(bson.A, 0, len(terms))
	for _, t := range terms {
		d, err := RenderBSON(t)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func regexFor(mode MatchMode, pattern string) bson.Regex {
	return bson.Regex{Pattern: anchoredPattern(mode, pattern), Options: "i"}
}

func anchoredPattern(mode MatchMode, pattern string) string {
	quoted := regexp.QuoteMeta(pattern)
	switch mode {
	case Prefix:
		return "^" + quoted
	case Suffix:
		return quoted + "$"
	}
	return quoted
}

// {f: null} matches both null and missing.
func emptyBSON(f Field) bson.D {
	switch f.Type {
	case TypeString:
		return bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: f.Name, Value: nil}},
			bson.D{{Key: f.Name, Value: ""}},
		}}}
	case TypeArray:
		return bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: f.Name, Value: nil}},
			bson.D{{Key: f.Name, Value: bson.D{{Key: "$size", Value: 0}}}},
		}}}
	}
	return bson.D{{Key: f.Name, Value: nil}}
}

func notEmptyBSON(f Field) bson.D {
	switch f.Type {
	case TypeString:
		return bson.D{{Key: f.Name, Value: bson.D{{Key: "$nin", Value: bson.A{nil, ""}}}}}
	case TypeArray:
		return bson.D{{Key: f.Name + ".0", Value: bson.D{{Key: "$exists", Value: true}}}}
	}
	return bson.D{{Key: f.Name, Value: bson.D{{Key: "$ne", Value: nil}}}}
}
