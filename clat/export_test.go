// Copyright 2025 The clatd authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package clat

import "time"

func (d *Dataplane) SetClock(now func() time.Time) { d.now = now }

func (d *Dataplane) MarkActivity(t time.Time) { d.lastActivity = t }

func (d *Dataplane) MarkCheck(t time.Time) { d.lastCheck = t }

func (d *Dataplane) CheckInterval(now time.Time) time.Duration { return d.checkInterval(now) }

func (d *Dataplane) PollTimeout(now time.Time) time.Duration { return d.pollTimeout(now) }

func (d *Dataplane) RecheckDue(now time.Time) bool { return d.recheckDue(now) }

func (d *Dataplane) RecheckPrefix(now time.Time) error { return d.recheckPrefix(now) }

func (d *Dataplane) ProcessTun(buf []byte) error { return d.processTun(buf) }

func (d *Dataplane) ProcessV4(buf []byte) { d.processV4(buf) }
