package daemon

// dispatch executes req against the session and returns the wire response.
// Every verb here is C6 in the design: a thin translation from protocol
// params to a session.Session call, with no business logic of its own.
func (srv *Server) dispatch(req Request) Response {
	params := req.Params
	if params == nil {
		params = map[string]string{}
	}
	switch req.Command {
	case "health":
		info := srv.session.Health(srv.pid)
		data := map[string]any{"unlocked": info.Unlocked, "pid": info.PID}
		if srv.health != nil {
			data["overall"] = srv.health.Overall().String()
			components := map[string]any{}
			for name, status := range srv.health.Snapshot() {
				components[name] = map[string]any{
					"level":      status.Level.String(),
					"message":    status.Message,
					"updated_at": status.UpdatedAt,
				}
			}
			data["components"] = components
		}
		return okResponse(data)

	case "unlock":
		if err := srv.session.Unlock(params["password"]); err != nil {
			tag, msg := classify(err)
			return errResponse(tag, msg)
		}
		return okResponse(nil)

	case "lock":
		srv.session.Lock()
		return okResponse(nil)

	case "list":
		keys, err := srv.session.List()
		if err != nil {
			tag, msg := classify(err)
			return errResponse(tag, msg)
		}
		return okResponse(map[string]any{"keys": keys})

	case "get":
		key, ok := params["key"]
		if !ok {
			return errResponse(TagBadRequest, "missing param: key")
		}
		value, err := srv.session.Get(key)
		if err != nil {
			tag, msg := classify(err)
			return errResponse(tag, msg)
		}
		return okResponse(map[string]any{"value": value})

	case "add":
		key, ok := params["key"]
		if !ok {
			return errResponse(TagBadRequest, "missing param: key")
		}
		value, ok := params["value"]
		if !ok {
			return errResponse(TagBadRequest, "missing param: value")
		}
		if err := srv.session.Add(key, value); err != nil {
			tag, msg := classify(err)
			return errResponse(tag, msg)
		}
		return okResponse(nil)

	case "delete":
		key, ok := params["key"]
		if !ok {
			return errResponse(TagBadRequest, "missing param: key")
		}
		if err := srv.session.Delete(key); err != nil {
			tag, msg := classify(err)
			return errResponse(tag, msg)
		}
		return okResponse(nil)

	case "change_password":
		oldPassword, ok := params["old"]
		if !ok {
			return errResponse(TagBadRequest, "missing param: old")
		}
		newPassword, ok := params["new"]
		if !ok {
			return errResponse(TagBadRequest, "missing param: new")
		}
		if err := srv.session.ChangePassword(oldPassword, newPassword); err != nil {
			tag, msg := classify(err)
			return errResponse(tag, msg)
		}
		return okResponse(nil)

	case "schedule_clipboard_clear":
		value, ok := params["value"]
		if !ok {
			return errResponse(TagBadRequest, "missing param: value")
		}
		if err := srv.session.ScheduleClipboardClear(value); err != nil {
			tag, msg := classify(err)
			return errResponse(tag, msg)
		}
		return okResponse(nil)

	case "stop":
		srv.session.Lock()
		srv.session.Audit("stop", true)
		srv.requestStop()
		return okResponse(nil)

	default:
		return errResponse(TagBadRequest, "unknown command")
	}
}
