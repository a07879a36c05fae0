package devtree

import (
	"gopkg.in/yaml.v3"

	"github.com/corehv/corehv/core/hverr"
)

// Parse decodes a device tree document.
func Parse(data []byte) (*Tree, error) {
	var t Tree
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, hverr.New(hverr.INVALID, "device tree: %v", err)
	}
	return &t, nil
}
