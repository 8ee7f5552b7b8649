/*
 * Copyright © 2025 Suparena Software Inc., All rights reserved.
 */

package ddb

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	sdk "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/suparena/entitydao/storagemodels"
)

type item = map[string]types.AttributeValue

// fakeClient is an in-memory table that understands the expressions the
// store sends. Errors queued with fail are returned by the next calls.
type fakeClient struct {
	mu      sync.Mutex
	items   map[string]item
	errs    []error
	calls   map[string]int
	indexes []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: make(map[string]item), calls: make(map[string]int)}
}

func (c *fakeClient) fail(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, errs...)
}

func (c *fakeClient) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *fakeClient) enter(op string) error {
	c.calls[op]++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		return err
	}
	return nil
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

func tableKey(k item) string {
	return str(k[attrPK]) + "|" + str(k[attrSK])
}

func (c *fakeClient) conditionFailed(old item, returnOld bool) error {
	cfe := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if returnOld && old != nil {
		cfe.Item = maps.Clone(old)
	}
	return cfe
}

// check evaluates the condition expressions used by the store.
func (c *fakeClient) check(cond *string, old item, values item) bool {
	if cond == nil {
		return true
	}
	switch *cond {
	case "attribute_not_exists(#pk)":
		return old == nil
	case "#lockOwner = :owner":
		return old != nil && str(old[attrLockOwner]) == str(values[":owner"])
	case writeCondition:
		if old == nil || num(old[attrVersion]) != num(values[":expected"]) {
			return false
		}
		owner, locked := old[attrLockOwner]
		return !locked || str(owner) == str(values[":owner"])
	}
	panic("unexpected condition " + *cond)
}

func (c *fakeClient) GetItem(_ context.Context, in *sdk.GetItemInput, _ ...func(*sdk.Options)) (*sdk.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetItem"); err != nil {
		return nil, err
	}
	return &sdk.GetItemOutput{Item: maps.Clone(c.items[tableKey(in.Key)])}, nil
}

func (c *fakeClient) PutItem(_ context.Context, in *sdk.PutItemInput, _ ...func(*sdk.Options)) (*sdk.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("PutItem"); err != nil {
		return nil, err
	}
	k := tableKey(in.Item)
	if !c.check(in.ConditionExpression, c.items[k], in.ExpressionAttributeValues) {
		return nil, c.conditionFailed(c.items[k], false)
	}
	c.items[k] = maps.Clone(in.Item)
	return &sdk.PutItemOutput{}, nil
}

func (c *fakeClient) UpdateItem(_ context.Context, in *sdk.UpdateItemInput, _ ...func(*sdk.Options)) (*sdk.UpdateItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("UpdateItem"); err != nil {
		return nil, err
	}
	k := tableKey(in.Key)
	old := c.items[k]
	returnOld := in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld
	if !c.check(in.ConditionExpression, old, in.ExpressionAttributeValues) {
		return nil, c.conditionFailed(old, returnOld)
	}

	next := maps.Clone(old)
	expr := *in.UpdateExpression
	var removePart string
	if i := strings.Index(expr, "REMOVE "); i >= 0 {
		removePart = expr[i+len("REMOVE "):]
		expr = expr[:i]
	}
	setPart := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(expr), "SET "))
	if setPart != "" {
		for _, clause := range strings.Split(setPart, ", ") {
			lhs, rhs, _ := strings.Cut(clause, " = ")
			attr := in.ExpressionAttributeNames[lhs]
			if base, inc, ok := strings.Cut(rhs, " + "); ok {
				total := num(next[in.ExpressionAttributeNames[base]]) + num(in.ExpressionAttributeValues[inc])
				next[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(total, 10)}
				continue
			}
			next[attr] = in.ExpressionAttributeValues[rhs]
		}
	}
	for _, name := range strings.Split(removePart, ", ") {
		if name = strings.TrimSpace(name); name != "" {
			delete(next, in.ExpressionAttributeNames[name])
		}
	}
	c.items[k] = next

	out := &sdk.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = maps.Clone(next)
	}
	return out, nil
}

func (c *fakeClient) DeleteItem(_ context.Context, in *sdk.DeleteItemInput, _ ...func(*sdk.Options)) (*sdk.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DeleteItem"); err != nil {
		return nil, err
	}
	k := tableKey(in.Key)
	old := c.items[k]
	returnOld := in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld
	if !c.check(in.ConditionExpression, old, in.ExpressionAttributeValues) {
		return nil, c.conditionFailed(old, returnOld)
	}
	delete(c.items, k)
	return &sdk.DeleteItemOutput{}, nil
}

// page returns the items after start, at most limit of them before filtering.
func (c *fakeClient) page(candidates []string, start item, limit *int32, filter func(item) bool) ([]item, item) {
	slices.Sort(candidates)
	from := 0
	if start != nil {
		pos, found := slices.BinarySearch(candidates, tableKey(start))
		from = pos
		if found {
			from++
		}
	}
	n := len(candidates) - from
	if limit != nil && int(*limit) < n {
		n = int(*limit)
	}

	var out []item
	for _, k := range candidates[from : from+n] {
		if filter(c.items[k]) {
			out = append(out, maps.Clone(c.items[k]))
		}
	}
	var last item
	if from+n < len(candidates) {
		last = item{
			attrPK: c.items[candidates[from+n-1]][attrPK],
			attrSK: c.items[candidates[from+n-1]][attrSK],
		}
	}
	return out, last
}

// matches evaluates "#entityType = :entityType AND #fields.#wN = :wN ...".
func matches(it item, expr string, names map[string]string, values item) bool {
	for _, clause := range strings.Split(expr, " AND ") {
		lhs, rhs, _ := strings.Cut(clause, " = ")
		want := values[rhs]
		var got types.AttributeValue
		if path, ok := strings.CutPrefix(lhs, "#fields."); ok {
			fields, ok := it[attrFields].(*types.AttributeValueMemberM)
			if !ok {
				return false
			}
			got = fields.Value[names[path]]
		} else {
			got = it[names[lhs]]
		}
		if got == nil {
			return false
		}
		var a, b any
		_ = attributevalue.Unmarshal(got, &a)
		_ = attributevalue.Unmarshal(want, &b)
		if !storagemodels.ValuesEqual(a, b) {
			return false
		}
	}
	return true
}

func (c *fakeClient) Scan(_ context.Context, in *sdk.ScanInput, _ ...func(*sdk.Options)) (*sdk.ScanOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("Scan"); err != nil {
		return nil, err
	}
	items, last := c.page(slices.Collect(maps.Keys(c.items)), in.ExclusiveStartKey, in.Limit, func(it item) bool {
		return in.FilterExpression == nil || matches(it, *in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	})
	return &sdk.ScanOutput{Items: items, LastEvaluatedKey: last, Count: int32(len(items))}, nil
}

func (c *fakeClient) Query(_ context.Context, in *sdk.QueryInput, _ ...func(*sdk.Options)) (*sdk.QueryOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("Query"); err != nil {
		return nil, err
	}
	c.indexes = append(c.indexes, aws.ToString(in.IndexName))

	partitionAttr := in.ExpressionAttributeNames["#gpk"]
	partition := str(in.ExpressionAttributeValues[":gpk"])
	var candidates []string
	for k, it := range c.items {
		if str(it[partitionAttr]) == partition {
			candidates = append(candidates, k)
		}
	}
	items, last := c.page(candidates, in.ExclusiveStartKey, in.Limit, func(it item) bool {
		return in.FilterExpression == nil || matches(it, *in.FilterExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	})
	return &sdk.QueryOutput{Items: items, LastEvaluatedKey: last, Count: int32(len(items))}, nil
}

func (c *fakeClient) DescribeTable(_ context.Context, in *sdk.DescribeTableInput, _ ...func(*sdk.Options)) (*sdk.DescribeTableOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("DescribeTable"); err != nil {
		return nil, err
	}
	return &sdk.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

var _ Client = (*fakeClient)(nil)
