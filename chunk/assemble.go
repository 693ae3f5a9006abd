package chunk

import (
	"bytes"
	"fmt"
	"sendme/domain"
	"sendme/errors"
	"slices"
)

// AssemblyError names the indices that prevented assembly.
type AssemblyError struct {
	Missing []int
	Corrupt []int
}

func (e *AssemblyError) Error() string {
	switch {
	case len(e.Missing) > 0 && len(e.Corrupt) > 0:
		return fmt.Sprintf("%v: %v, %v: %v", errors.ErrIncompleteAssembly, e.Missing, errors.ErrCorruptChunk, e.Corrupt)
	case len(e.Missing) > 0:
		return fmt.Sprintf("%v: missing %v", errors.ErrIncompleteAssembly, e.Missing)
	default:
		return fmt.Sprintf("%v: %v", errors.ErrCorruptChunk, e.Corrupt)
	}
}

func (e *AssemblyError) Unwrap() []error {
	var errs []error
	if len(e.Missing) > 0 {
		errs = append(errs, errors.ErrIncompleteAssembly)
	}
	if len(e.Corrupt) > 0 {
		errs = append(errs, errors.ErrCorruptChunk)
	}
	return errs
}

// Indices returns every index that has to be requested again.
func (e *AssemblyError) Indices() []int {
	all := append(slices.Clone(e.Missing), e.Corrupt...)
	slices.Sort(all)
	return slices.Compact(all)
}

// Assemble concatenates chunks [0, expectedCount) in index order, whatever
// order they are given in. A valid copy of an index wins over a corrupt one.
func Assemble(chunks []domain.Chunk, expectedCount int) ([]byte, error) {
	byIndex := make(map[int]domain.Chunk, expectedCount)
	corrupt := make(map[int]bool)
	for _, c := range chunks {
		if c.Index < 0 || c.Index >= expectedCount {
			continue
		}
		if !Verify(c) {
			if _, ok := byIndex[c.Index]; !ok {
				corrupt[c.Index] = true
			}
			continue
		}
		if _, ok := byIndex[c.Index]; !ok {
			byIndex[c.Index] = c
			delete(corrupt, c.Index)
		}
	}

	assemblyErr := &AssemblyError{}
	size := 0
	for i := 0; i < expectedCount; i++ {
		switch c, ok := byIndex[i]; {
		case ok:
			size += len(c.Payload)
		case corrupt[i]:
			assemblyErr.Corrupt = append(assemblyErr.Corrupt, i)
		default:
			assemblyErr.Missing = append(assemblyErr.Missing, i)
		}
	}
	if len(assemblyErr.Missing) > 0 || len(assemblyErr.Corrupt) > 0 {
		return nil, assemblyErr
	}

	var buf bytes.Buffer
	buf.Grow(size)
	for i := 0; i < expectedCount; i++ {
		buf.Write(byIndex[i].Payload)
	}
	return buf.Bytes(), nil
}
