// persons.go: read and rename endpoints for known persons.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

type personResponse struct {
	ID          uint   `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	FaceCount   int    `json:"face_count"`
}

type personFaceResponse struct {
	ID        uint   `json:"id"`
	EntityID  int64  `json:"entity_id"`
	FaceIndex int    `json:"face_index"`
	CropPath  string `json:"crop_path,omitempty"`
}

type renamePersonRequest struct {
	DisplayName string `json:"display_name"`
}

// GetPersons lists every known person, newest first.
func (c *Controller) GetPersons(ctx echo.Context) error {
	persons, err := c.DS.ListPersons()
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load persons", http.StatusInternalServerError)
	}

	resp := make([]personResponse, 0, len(persons))
	for i := range persons {
		resp = append(resp, personResponse{
			ID:          persons[i].ID,
			DisplayName: persons[i].DisplayName,
			FaceCount:   persons[i].FaceCount,
		})
	}
	return ctx.JSON(http.StatusOK, resp)
}

// GetPersonFaces lists the faces assigned to one person.
func (c *Controller) GetPersonFaces(ctx echo.Context) error {
	personID, err := parsePersonID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid person id", http.StatusBadRequest)
	}

	person, err := c.DS.GetPerson(personID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load person", http.StatusInternalServerError)
	}
	if person == nil {
		return ctx.JSON(http.StatusNotFound, map[string]any{
			"error": "person not found",
		})
	}

	faces, err := c.DS.ListFacesForPerson(personID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load faces", http.StatusInternalServerError)
	}

	resp := make([]personFaceResponse, 0, len(faces))
	for i := range faces {
		resp = append(resp, personFaceResponse{
			ID:        faces[i].ID,
			EntityID:  faces[i].EntityID,
			FaceIndex: faces[i].FaceIndex,
			CropPath:  faces[i].CropFilePath,
		})
	}
	return ctx.JSON(http.StatusOK, resp)
}

// RenamePerson sets a person's display name.
func (c *Controller) RenamePerson(ctx echo.Context) error {
	personID, err := parsePersonID(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid person id", http.StatusBadRequest)
	}

	var req renamePersonRequest
	if err := ctx.Bind(&req); err != nil {
		return c.HandleError(ctx, err, "Invalid request body", http.StatusBadRequest)
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.DisplayName == "" {
		return ctx.JSON(http.StatusBadRequest, map[string]any{
			"error": "display_name must not be empty",
		})
	}

	person, err := c.DS.GetPerson(personID)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to load person", http.StatusInternalServerError)
	}
	if person == nil {
		return ctx.JSON(http.StatusNotFound, map[string]any{
			"error": "person not found",
		})
	}

	if err := c.DS.RenamePerson(personID, req.DisplayName); err != nil {
		return c.HandleError(ctx, err, "Failed to rename person", http.StatusInternalServerError)
	}

	c.apiLogger.Info("person renamed", "person_id", personID)

	return ctx.JSON(http.StatusOK, personResponse{
		ID:          personID,
		DisplayName: req.DisplayName,
		FaceCount:   person.FaceCount,
	})
}

func parsePersonID(ctx echo.Context) (uint, error) {
	id, err := strconv.ParseUint(ctx.Param("person_id"), 10, 32)
	return uint(id), err
}
