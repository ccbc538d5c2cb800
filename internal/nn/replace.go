package nn

import (
	"fmt"
	"strconv"
)

// Walk visits m and every descendant depth-first. path is the dotted child
// index path from the root ("" for the root itself).
func Walk(m Module, visit func(path string, m Module) error) error {
	return walk("", m, visit)
}

func walk(path string, m Module, visit func(string, Module) error) error {
	if err := visit(path, m); err != nil {
		return err
	}
	c, ok := m.(Container)
	if !ok {
		return nil
	}
	for i, child := range c.Children() {
		if err := walk(joinPath(path, strconv.Itoa(i)), child, visit); err != nil {
			return err
		}
	}
	return nil
}

// CountMatches returns the number of modules in the tree matching predicate.
func CountMatches(root Module, predicate func(Module) bool) int {
	count := 0
	_ = Walk(root, func(_ string, m Module) error {
		if predicate(m) {
			count++
		}
		return nil
	})
	return count
}

// ReplaceModules swaps every module matching predicate with transform's
// result and returns the (possibly new) root. Matched modules are not
// descended into. It fails if any match survives the rewrite.
func ReplaceModules(root Module, predicate func(Module) bool, transform func(Module) (Module, error)) (Module, error) {
	if predicate(root) {
		replaced, err := transform(root)
		if err != nil {
			return nil, err
		}
		root = replaced
	} else if err := replaceChildren("", root, predicate, transform); err != nil {
		return nil, err
	}
	if remaining := CountMatches(root, predicate); remaining != 0 {
		return nil, fmt.Errorf("module replacement left %d matching modules", remaining)
	}
	return root, nil
}

func replaceChildren(path string, m Module, predicate func(Module) bool, transform func(Module) (Module, error)) error {
	c, ok := m.(Container)
	if !ok {
		return nil
	}
	for i, child := range c.Children() {
		childPath := joinPath(path, strconv.Itoa(i))
		if predicate(child) {
			replaced, err := transform(child)
			if err != nil {
				return fmt.Errorf("replace %s: %w", childPath, err)
			}
			c.SetChild(i, replaced)
			continue
		}
		if err := replaceChildren(childPath, child, predicate, transform); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceBatchNormWithGroupNorm rewrites every BatchNorm into a GroupNorm
// with features/featuresPerGroup groups (at least one).
func ReplaceBatchNormWithGroupNorm(root Module, featuresPerGroup int) (Module, error) {
	if featuresPerGroup <= 0 {
		return nil, fmt.Errorf("features per group must be > 0, got %d", featuresPerGroup)
	}
	isBatchNorm := func(m Module) bool {
		_, ok := m.(*BatchNorm)
		return ok
	}
	return ReplaceModules(root, isBatchNorm, func(m Module) (Module, error) {
		bn := m.(*BatchNorm)
		groups := bn.Features / featuresPerGroup
		if groups < 1 {
			groups = 1
		}
		gn, err := NewGroupNorm(groups, bn.Features)
		if err != nil {
			return nil, err
		}
		gn.SetTraining(bn.Training())
		return gn, nil
	})
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
