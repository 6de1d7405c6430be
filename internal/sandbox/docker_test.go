package sandbox

import (
	"testing"
)

func TestInstallNetworkSpec(t *testing.T) {
	spec := installNetworkSpec([]string{"pypi.org", "files.pythonhosted.org"})

	if spec.Driver != "bridge" {
		t.Errorf("driver = %q, want bridge", spec.Driver)
	}
	if spec.Labels[LabelManaged] != "true" {
		t.Errorf("managed label = %q", spec.Labels[LabelManaged])
	}
	if got := spec.Labels[LabelAllowedRegistries]; got != "pypi.org,files.pythonhosted.org" {
		t.Errorf("allow-list label = %q", got)
	}
	if spec.Options["com.docker.network.bridge.enable_icc"] != "false" {
		t.Error("inter-container traffic not disabled")
	}
}
