package configuration

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^(?P<config_name>([^-]+(-[^-]+){3}))(-(?P<container_id>([0-9]+)(.*)))?$`)

// InstanceID is a pod name split into the configuration it runs and the
// replica it is.
type InstanceID struct {
	Raw         string
	ConfigName  string
	ContainerID string
}

// ParseInstanceID splits names of the form a-b-c-d[-<n>...]. The first four
// dash-separated parts name the configuration document.
func ParseInstanceID(raw string) (InstanceID, error) {
	if raw == "" {
		return InstanceID{}, fmt.Errorf("instance id is empty")
	}

	match := instanceIDPattern.FindStringSubmatch(raw)
	if match == nil {
		return InstanceID{}, fmt.Errorf("instance id format is invalid: %s", raw)
	}

	id := InstanceID{Raw: raw}
	for i, name := range instanceIDPattern.SubexpNames() {
		switch name {
		case "config_name":
			id.ConfigName = match[i]
		case "container_id":
			id.ContainerID = match[i]
		}
	}
	return id, nil
}
