package workflow

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	goversion "github.com/hashicorp/go-version"
	"github.com/xeipuuv/gojsonschema"

	"github.com/edgekit/updagent/pkg/models"
)

// MinManifestVersion is the lowest update-manifest version the agent accepts.
const MinManifestVersion = "4"

// payloadSchema gates the shape of the inbound deployment document before the
// typed decode. Field-level rules live on the struct tags; the schema rejects
// structurally broken documents early.
const payloadSchema = `{
  "type": "object",
  "required": ["workflow"],
  "properties": {
    "workflow": {
      "type": "object",
      "required": ["action", "id"],
      "properties": {
        "action": {"type": "integer"},
        "id": {"type": "string", "minLength": 1},
        "retryTimestamp": {"type": "string"}
      }
    },
    "updateManifest": {"type": "string"},
    "updateManifestSignature": {"type": "string"},
    "fileUrls": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

var (
	validate       = validator.New(validator.WithRequiredStructEnabled())
	minVersion     = goversion.Must(goversion.NewVersion(MinManifestVersion))
	schemaLoader   = gojsonschema.NewStringLoader(payloadSchema)
	errNotAnObject = errors.New("payload root is not a JSON object")
)

// Parse decodes a raw deployment document into a workflow tree. A Cancel
// action carries no manifest; ProcessDeployment requires one. When
// validateManifest is true the manifest version is checked against
// MinManifestVersion and nested instruction steps are expanded into child
// nodes. Parse never returns a partially built node together with an error.
func Parse(raw []byte, validateManifest bool) (*Node, error) {
	docLoader := gojsonschema.NewBytesLoader(raw)

	schemaResult, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, newParseError("", models.ERCBadPayload, errNotAnObject)
	}

	if !schemaResult.Valid() {
		return nil, newParseError(schemaResult.Errors()[0].Field(), models.ERCBadPayload,
			fmt.Errorf("schema violation: %s", schemaResult.Errors()[0].Description()))
	}

	var payload models.DeploymentPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, newParseError("", models.ERCBadPayload, err)
	}

	if err := validate.Struct(payload); err != nil {
		return nil, newParseError("workflow", models.ERCBadPayload, err)
	}

	if payload.Workflow.Action == models.ActionCancel {
		return newNode(&payload, nil), nil
	}

	if payload.Workflow.Action != models.ActionProcessDeployment {
		return nil, newParseError("workflow.action", models.ERCInvalidUpdateAction,
			fmt.Errorf("%w: %d", ErrUnsupportedAction, payload.Workflow.Action))
	}

	manifest, err := parseManifest(payload.UpdateManifest, validateManifest)
	if err != nil {
		return nil, err
	}

	node := newNode(&payload, manifest)

	if validateManifest {
		if err := expandChildren(node); err != nil {
			return nil, err
		}
	}

	return node, nil
}

func parseManifest(encoded string, validateManifest bool) (*models.UpdateManifest, error) {
	if encoded == "" {
		return nil, newParseError("updateManifest", models.ERCBadPayload,
			errors.New("missing update manifest"))
	}

	var manifest models.UpdateManifest
	if err := json.Unmarshal([]byte(encoded), &manifest); err != nil {
		return nil, newParseError("updateManifest", models.ERCBadPayload, err)
	}

	if err := validate.Struct(manifest); err != nil {
		return nil, newParseError("updateManifest", models.ERCBadPayload, err)
	}

	if validateManifest {
		version, err := goversion.NewVersion(manifest.ManifestVersion)
		if err != nil {
			return nil, newParseError("updateManifest.manifestVersion",
				models.ERCUnsupportedManifest, err)
		}

		if version.LessThan(minVersion) {
			return nil, newParseError("updateManifest.manifestVersion",
				models.ERCUnsupportedManifest,
				fmt.Errorf("manifest version %s below minimum %s",
					manifest.ManifestVersion, MinManifestVersion))
		}
	}

	return &manifest, nil
}

// expandChildren builds the nested workflow tree from instructions.steps[] or
// bundledUpdates[]. Children inherit the root's fileUrls through lineage; a
// step may carry its own fileUrls table which takes priority (closest ancestor
// wins on resolution).
func expandChildren(root *Node) error {
	manifest := root.Manifest()
	if manifest == nil {
		return nil
	}

	if manifest.Instructions != nil {
		for i, step := range manifest.Instructions.Steps {
			child, err := childFromStep(root, i, step)
			if err != nil {
				return err
			}

			root.InsertChild(-1, child)
		}

		return nil
	}

	for i, ref := range manifest.BundledUpdates {
		child := newNode(&models.DeploymentPayload{
			Workflow: models.WorkflowRequest{
				Action: models.ActionProcessDeployment,
				ID:     fmt.Sprintf("%s/%d", root.ID(), i),
			},
		}, &models.UpdateManifest{
			ManifestVersion: manifest.ManifestVersion,
			UpdateType:      manifest.UpdateType,
		})
		child.SetID(fmt.Sprintf("%s/%d", root.ID(), i))
		child.props["_bundledUpdate"] = ref
		root.InsertChild(-1, child)
	}

	return nil
}

func childFromStep(root *Node, i int, step models.InstructionStep) (*Node, error) {
	childManifest := &models.UpdateManifest{
		ManifestVersion: root.Manifest().ManifestVersion,
		UpdateType:      step.Handler,
	}

	if step.UpdateID != nil {
		childManifest.UpdateID = *step.UpdateID
	} else {
		childManifest.UpdateID = root.Manifest().UpdateID
	}

	childManifest.Files = map[string]models.FileEntity{}
	for _, fileID := range step.Files {
		entity, ok := root.Manifest().Files[fileID]
		if !ok {
			return nil, newParseError(fmt.Sprintf("instructions.steps[%d].files", i),
				models.ERCBadPayload,
				fmt.Errorf("step references unknown file id %q", fileID))
		}

		childManifest.Files[fileID] = entity
	}

	child := newNode(&models.DeploymentPayload{
		Workflow: models.WorkflowRequest{
			Action: models.ActionProcessDeployment,
			ID:     fmt.Sprintf("%s/%d", root.ID(), i),
		},
		FileURLs: step.FileURLs,
	}, childManifest)
	child.SetID(fmt.Sprintf("%s/%d", root.ID(), i))

	return child, nil
}
