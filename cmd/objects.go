package cmd

import (
	"fmt"
	"strings"

	v1 "github.com/authzed/authzed-go/proto/authzed/api/v1"
)

// parseObject parses "<type>:<id>".
func parseObject(s string) (*v1.ObjectReference, error) {
	objectType, objectID, ok := strings.Cut(s, ":")
	if !ok || objectType == "" || objectID == "" {
		return nil, fmt.Errorf("invalid object %q: expected <type>:<id>", s)
	}
	return &v1.ObjectReference{ObjectType: objectType, ObjectId: objectID}, nil
}

// parseSubject parses "<type>:<id>" with an optional "#<relation>" suffix.
func parseSubject(s string) (*v1.SubjectReference, error) {
	object, relation, hasRelation := strings.Cut(s, "#")
	if hasRelation && relation == "" {
		return nil, fmt.Errorf("invalid subject %q: empty relation", s)
	}

	ref, err := parseObject(object)
	if err != nil {
		return nil, err
	}
	return &v1.SubjectReference{Object: ref, OptionalRelation: relation}, nil
}

func formatObject(obj *v1.ObjectReference) string {
	return obj.GetObjectType() + ":" + obj.GetObjectId()
}

func formatSubject(subject *v1.SubjectReference) string {
	if subject.GetOptionalRelation() == "" {
		return formatObject(subject.GetObject())
	}
	return formatObject(subject.GetObject()) + "#" + subject.GetOptionalRelation()
}

func formatRelationship(rel *v1.Relationship) string {
	return fmt.Sprintf("%s#%s@%s", formatObject(rel.GetResource()), rel.GetRelation(), formatSubject(rel.GetSubject()))
}
