// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package configutil loads yaml configuration files into a struct, with an
// "extends" convention that lets one config file act as a base another
// layers on top of, and validates the merged result with struct tags.
package configutil

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// ValidationError wraps a validator.v2 error map in a type callers can
// inspect field-by-field.
type ValidationError struct {
	errs map[string]validator.ErrorArray
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.errs)
}

// ErrForField returns the validation errors attached to a struct field, or
// nil if that field passed validation.
func (e ValidationError) ErrForField(field string) validator.ErrorArray {
	return e.errs[field]
}

type extendsStub struct {
	Extends string `yaml:"extends"`
}

// Load reads fname into config, following its "extends" chain (base files
// first, so later files in the chain override earlier ones) before
// validating the fully merged result once.
func Load(fname string, config interface{}) error {
	chain, err := resolveExtendsChain(fname, nil)
	if err != nil {
		return err
	}
	return loadFiles(config, chain)
}

// resolveExtendsChain walks fname's "extends" pointers, returning the chain
// of files to load in base-to-derived order. visited guards against a
// circular extends reference looping forever.
func resolveExtendsChain(fname string, visited map[string]bool) ([]string, error) {
	if visited == nil {
		visited = make(map[string]bool)
	}
	abs, err := filepath.Abs(fname)
	if err != nil {
		return nil, fmt.Errorf("resolve path %q: %s", fname, err)
	}
	if visited[abs] {
		return nil, fmt.Errorf("circular extends reference at %q", fname)
	}
	visited[abs] = true

	b, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("read %q: %s", fname, err)
	}
	var stub extendsStub
	if err := yaml.Unmarshal(b, &stub); err != nil {
		return nil, fmt.Errorf("unmarshal %q: %s", fname, err)
	}
	if stub.Extends == "" {
		return []string{fname}, nil
	}
	base := stub.Extends
	if !filepath.IsAbs(base) {
		base = filepath.Join(filepath.Dir(fname), base)
	}
	chain, err := resolveExtendsChain(base, visited)
	if err != nil {
		return nil, err
	}
	return append(chain, fname), nil
}

// loadFiles merges files in order into config and validates once at the
// end, so a base file that is individually invalid (e.g. missing a field a
// derived file supplies) does not fail the load.
func loadFiles(config interface{}, files []string) error {
	for _, fname := range files {
		b, err := os.ReadFile(fname)
		if err != nil {
			return fmt.Errorf("read %q: %s", fname, err)
		}
		if err := yaml.Unmarshal(b, config); err != nil {
			return fmt.Errorf("unmarshal %q: %s", fname, err)
		}
	}
	if err := validator.Validate(config); err != nil {
		verrs, ok := err.(validator.ErrorMap)
		if !ok {
			return err
		}
		return ValidationError{errs: verrs}
	}
	return nil
}
