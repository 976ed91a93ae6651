// Copyright 2023 Matrix Origin
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

package plan

import (
	"bytes"
	"fmt"
	"strings"
)

func (c *ColRef) String() string {
	return c.Name
}

func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case fmt.Stringer:
		return "'" + v.String() + "'"
	}
	return fmt.Sprintf("%v", l.Value)
}

func (c *CastExpr) String() string {
	return fmt.Sprintf("CAST(%s AS %s)", c.Child, c.Typ)
}

func (f *FuncExpr) String() string {
	switch {
	case f.Name == FnAnd || f.Name == FnOr:
		parts := make([]string, len(f.Args))
		for i, a := range f.Args {
			parts[i] = a.String()
		}
		return "(" + strings.Join(parts, " "+strings.ToUpper(f.Name)+" ") + ")"
	case f.Name == FnNot:
		return fmt.Sprintf("NOT %s", f.Args[0])
	case f.Name == FnIsNull:
		return fmt.Sprintf("%s IS NULL", f.Args[0])
	case f.Name == FnIsNotNull:
		return fmt.Sprintf("%s IS NOT NULL", f.Args[0])
	case IsComparison(f.Name) && len(f.Args) == 2:
		return fmt.Sprintf("%s %s %s", f.Args[0], f.Name, f.Args[1])
	case f.Name == FnLike && len(f.Args) == 2:
		return fmt.Sprintf("%s LIKE %s", f.Args[0], f.Args[1])
	}
	var buf bytes.Buffer
	buf.WriteString(f.Name)
	buf.WriteString("(")
	for i, a := range f.Args {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(a.String())
	}
	buf.WriteString(")")
	return buf.String()
}

func (in *InList) String() string {
	var buf bytes.Buffer
	buf.WriteString(in.Child.String())
	if in.Not {
		buf.WriteString(" NOT")
	}
	buf.WriteString(" IN (")
	for i, l := range in.List {
		if i > 0 {
			buf.WriteString(", ")
		}
		if i == 8 && len(in.List) > 10 {
			fmt.Fprintf(&buf, "... %d more", len(in.List)-i)
			break
		}
		buf.WriteString(l.String())
	}
	buf.WriteString(")")
	if in.RF != nil {
		fmt.Fprintf(&buf, " /* rf %d */", in.RF.FilterID)
	}
	return buf.String()
}

func (p *RuntimeFilterPred) String() string {
	return fmt.Sprintf("%s(%d, %s)", p.Kind, p.FilterID, p.Target)
}
