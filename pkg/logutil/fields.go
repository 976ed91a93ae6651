// Copyright 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"context"

	"go.uber.org/zap"
)

type queryIDKey struct{}
type instanceIDKey struct{}

// WithQueryID returns a ctx whose log lines carry the query id.
func WithQueryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, queryIDKey{}, id)
}

// WithInstanceID returns a ctx whose log lines carry the fragment instance id.
func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, instanceIDKey{}, id)
}

// ContextFields extracts the identity fields carried by ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if v, ok := ctx.Value(queryIDKey{}).(string); ok {
		fields = append(fields, QueryIDField(v))
	}
	if v, ok := ctx.Value(instanceIDKey{}).(string); ok {
		fields = append(fields, zap.String("instance-id", v))
	}
	return fields
}

func QueryIDField(id string) zap.Field {
	return zap.String("query-id", id)
}

func FilterIDField(id int32) zap.Field {
	return zap.Int32("filter-id", id)
}
