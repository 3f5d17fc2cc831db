package handler

import (
	"net/http"

	"github.com/go-faster/jx"
)

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, h.cfg.ListLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	users, err := h.deps.Users.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("users")
	e.ArrStart()
	for _, u := range users {
		e.ObjStart()
		e.FieldStart("id")
		e.Int64(u.ID)
		e.FieldStart("username")
		e.Str(u.Username)
		e.FieldStart("email")
		e.Str(u.Email)
		e.FieldStart("admin")
		e.Bool(u.Admin)
		e.FieldStart("status")
		e.Str(string(u.Status))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}
