package ak

// TerminalNodeCount walks the tree from its root and returns the number
// of terminal nodes currently in use. Exposed for tests and diagnostics
// that want to observe the effect of splits and merges directly.
func (t *Tree) TerminalNodeCount() int {
	n, _ := t.countTerminals(t.Header.Root)
	return n
}

func (t *Tree) countTerminals(node int32) (int, error) {
	v, err := t.readNode(node)
	if err != nil {
		return 0, err
	}
	if in, ok := v.(*InternalNode); ok {
		total := 0
		for _, c := range in.Children {
			n, err := t.countTerminals(c.Node)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	}
	return 1, nil
}

// InternalLevelCount returns how many internal-node levels sit above
// the terminal level: 0 when the root itself is a terminal node.
func (t *Tree) InternalLevelCount() int {
	levels := 0
	node := t.Header.Root
	for {
		v, err := t.readNode(node)
		if err != nil {
			return levels
		}
		in, ok := v.(*InternalNode)
		if !ok {
			return levels
		}
		levels++
		if len(in.Children) == 0 {
			return levels
		}
		node = in.Children[0].Node
	}
}
