package compiler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/qtinav/internal/ir"
)

// LoadMode controls how errors are handled while loading a directory.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// Bundle holds everything compiled from one CUE instance.
type Bundle struct {
	Maps      []*ir.TestMap
	Items     []*ir.ItemDefinition
	FileCount int
}

// Map returns the compiled test map with the given id.
func (b *Bundle) Map(id string) (*ir.TestMap, bool) {
	for _, tm := range b.Maps {
		if tm.ID == id {
			return tm, true
		}
	}
	return nil, false
}

// Loader error codes.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeCompile     = "E007" // testmap or item failed to compile
)

// LoadError represents an error that occurred while loading sources.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadDir loads the CUE package in dir and compiles every testmap and item
// definition in it.
func LoadDir(dir string, mode LoadMode) (*Bundle, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Validate(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	b, errs := CompileValue(value, mode)
	if b != nil {
		b.FileCount = len(files)
	}
	return b, errs
}

// LoadFiles compiles the given CUE files as one instance.
func LoadFiles(paths []string, mode LoadMode) (*Bundle, []error) {
	if len(paths) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: "no CUE files given"}}
	}
	ctx := cuecontext.New()
	instances := load.Instances(paths, &load.Config{})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}
	value := ctx.BuildInstance(inst)
	if err := value.Validate(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}
	b, errs := CompileValue(value, mode)
	if b != nil {
		b.FileCount = len(paths)
	}
	return b, errs
}

// CompileString compiles CUE source text. Used by tests and inline scenarios.
func CompileString(src, filename string) (*Bundle, []error) {
	value := cuecontext.New().CompileString(src, cue.Filename(filename))
	if err := value.Validate(); err != nil {
		return nil, []error{formatCUEError(err)}
	}
	return CompileValue(value, LoadModeCollectAll)
}

// CompileValue compiles the top-level testmap and item structs of value.
// Maps and items are returned sorted by id.
func CompileValue(value cue.Value, mode LoadMode) (*Bundle, []error) {
	var errs []error
	b := &Bundle{}

	fail := func(err error, context string) bool {
		errs = append(errs, convertCompileError(err, context))
		return mode == LoadModeFailFast
	}

	if mapsVal := value.LookupPath(cue.ParsePath("testmap")); mapsVal.Exists() {
		iter, err := mapsVal.Fields()
		if err != nil {
			if fail(err, "testmap") {
				return b, errs
			}
		} else {
			for iter.Next() {
				tm, err := CompileTestMap(iter.Value())
				if err != nil {
					if fail(err, "testmap."+iter.Selector().String()) {
						return b, errs
					}
					continue
				}
				b.Maps = append(b.Maps, tm)
			}
		}
	}

	if itemsVal := value.LookupPath(cue.ParsePath("item")); itemsVal.Exists() {
		iter, err := itemsVal.Fields()
		if err != nil {
			if fail(err, "item") {
				return b, errs
			}
		} else {
			for iter.Next() {
				it, err := CompileItem(iter.Value())
				if err != nil {
					if fail(err, "item."+iter.Selector().String()) {
						return b, errs
					}
					continue
				}
				b.Items = append(b.Items, it)
			}
		}
	}

	if len(b.Maps) == 0 && len(b.Items) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "no testmap or item definitions found"})
	}

	sort.Slice(b.Maps, func(i, j int) bool { return b.Maps[i].ID < b.Maps[j].ID })
	sort.Slice(b.Items, func(i, j int) bool { return b.Items[i].ID < b.Items[j].ID })
	return b, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, context string) *LoadError {
	var compileErr *CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeCompile,
			Message: fmt.Sprintf("%s: %s: %s", context, compileErr.Field, compileErr.Message),
			Pos:     compileErr.Pos,
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", context, err),
	}
}
