package configuration

import (
	"reflect"
	"testing"
)

func TestListedConfigurations(t *testing.T) {
	if got := ListedConfigurations("technologies"); !reflect.DeepEqual(got, []string{"technologies"}) {
		t.Fatalf("technologies listing = %v", got)
	}
	// The wocat umbrella also shows unccd entries.
	if got := ListedConfigurations("wocat"); !reflect.DeepEqual(got, []string{"wocat", "unccd"}) {
		t.Fatalf("wocat listing = %v", got)
	}
}
