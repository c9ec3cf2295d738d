// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prompt provides interactive terminal prompts for commands
// that need user confirmation.
package prompt

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
)

// Prompter collects interactive input from the user.
type Prompter interface {
	// Confirm asks a yes/no question and returns the answer.
	Confirm(message string, def bool) (bool, error)
}

// SurveyPrompter implements Prompter using the survey library.
type SurveyPrompter struct {
	interactive bool
}

// NewSurveyPrompter creates a new survey-based prompter.
func NewSurveyPrompter(interactive bool) *SurveyPrompter {
	return &SurveyPrompter{interactive: interactive}
}

// Confirm asks a yes/no question using survey.Confirm.
func (sp *SurveyPrompter) Confirm(message string, def bool) (bool, error) {
	if !sp.interactive {
		return false, fmt.Errorf("cannot prompt in non-interactive mode")
	}

	result := def
	err := survey.AskOne(&survey.Confirm{
		Message: message,
		Default: def,
	}, &result)
	return result, err
}

// MockPrompter is a test double that returns canned answers.
type MockPrompter struct {
	// Answer is returned by every Confirm call.
	Answer bool

	// Err, when set, is returned instead of Answer.
	Err error

	// Asked records the messages passed to Confirm.
	Asked []string
}

// Confirm records the question and returns the canned answer.
func (mp *MockPrompter) Confirm(message string, def bool) (bool, error) {
	mp.Asked = append(mp.Asked, message)
	if mp.Err != nil {
		return false, mp.Err
	}
	return mp.Answer, nil
}
