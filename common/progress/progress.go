// Copyright 2025 itemsim Project Authors
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

package progress

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type spanKeyType string

var spanKeyName = spanKeyType(uuid.New().String())

type Status string

const (
	StatusPending  Status = "Pending"
	StatusComplete Status = "Complete"
	StatusRunning  Status = "Running"
	StatusFailed   Status = "Failed"
)

type Span struct {
	name     string
	status   Status
	total    int
	count    int
	err      error
	start    time.Time
	finish   time.Time
	children sync.Map
}

func (s *Span) Add(n int) {
	s.count += n
}

func (s *Span) End() {
	s.status = StatusComplete
	s.count = s.total
	s.finish = time.Now()
}

func (s *Span) Fail(err error) {
	s.status = StatusFailed
	s.err = err
	s.finish = time.Now()
}

func (s *Span) Count() int {
	return s.count
}

func (s *Span) Progress() Progress {
	var errString string
	if s.err != nil {
		errString = s.err.Error()
	}
	return Progress{
		Name:       s.name,
		Status:     s.status,
		Error:      errString,
		Count:      s.count,
		Total:      s.total,
		StartTime:  s.start,
		FinishTime: s.finish,
	}
}

// Start creates a span. If the context already carries a span, the new
// span is attached to it as a child.
func Start(ctx context.Context, name string, total int) (context.Context, *Span) {
	childSpan := &Span{
		name:   name,
		status: StatusRunning,
		total:  total,
		count:  0,
		start:  time.Now(),
	}
	if ctx == nil {
		return nil, childSpan
	}
	span, ok := ctx.Value(spanKeyName).(*Span)
	if !ok {
		return context.WithValue(ctx, spanKeyName, childSpan), childSpan
	}
	span.children.Store(name, childSpan)
	return context.WithValue(ctx, spanKeyName, childSpan), childSpan
}

type Progress struct {
	Name       string
	Status     Status
	Error      string
	Count      int
	Total      int
	StartTime  time.Time
	FinishTime time.Time
}
