package utils

import (
	json2 "github.com/go-json-experiment/json"
)

// Remarshal converts input into output through its JSON representation.
func Remarshal(input interface{}, output interface{}) (err error) {
	b, err := json2.Marshal(input)
	if nil != err {
		return
	}
	return json2.Unmarshal(b, output)
}
