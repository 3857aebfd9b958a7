package daemon

import "github.com/rns-mesh/reticulum-go/store"

// Dispatch routes one RPC call by method name to the matching Daemon
// method, normalizing params from a generic JSON-decoded map and wrapping
// the result with response_meta on success. It is the single entry point
// rpcwire's framed and HTTP transports both call into.
func (d *Daemon) Dispatch(method string, params map[string]interface{}) (map[string]interface{}, *RPCError) {
	result, rpcErr := d.dispatch(method, params)
	outcome := "ok"
	if rpcErr != nil {
		outcome = "error"
	}
	d.metrics.observeRPC(method, outcome)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	result["meta"] = d.responseMeta()
	return result, nil
}

func (d *Daemon) dispatch(method string, params map[string]interface{}) (map[string]interface{}, *RPCError) {
	switch method {
	case "status":
		return d.Status(), nil
	case "daemon_status_ex":
		return d.DaemonStatusEx(), nil

	case "list_messages":
		limit := paramInt(params, "limit", 50)
		before := paramFloatPtr(params, "before_timestamp")
		msgs, err := d.ListMessages(limit, before)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"messages": msgs}, nil

	case "list_announces":
		limit := paramInt(params, "limit", 50)
		before := paramFloatPtr(params, "before_timestamp")
		beforeID := paramStringPtr(params, "before_id")
		announces, err := d.ListAnnounces(limit, before, beforeID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"announces": announces}, nil

	case "list_peers":
		return map[string]interface{}{"peers": d.ListPeers()}, nil

	case "peer_sync":
		peer := paramString(params, "peer")
		rec, ok := d.PeerSync(peer)
		return map[string]interface{}{"peer": rec, "known": ok}, nil

	case "peer_unpeer":
		d.PeerUnpeer(paramString(params, "peer"))
		return map[string]interface{}{}, nil

	case "list_interfaces":
		return map[string]interface{}{"interfaces": d.ListInterfaces()}, nil

	case "set_interfaces":
		d.SetInterfaces(paramInterfaceRecords(params))
		return map[string]interface{}{"interfaces": d.ListInterfaces()}, nil

	case "reload_config":
		d.ReloadConfig(paramInterfaceRecords(params))
		return map[string]interface{}{"interfaces": d.ListInterfaces()}, nil

	case "send_message":
		return d.SendMessage(paramSendMessage(params))

	case "send_message_v2":
		return d.SendMessageV2(paramSendMessage(params))

	case "receive_message":
		rec := paramMessageRecord(params)
		if err := d.ReceiveMessage(rec); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": rec.ID}, nil

	case "record_receipt":
		id := paramString(params, "message_id")
		delivered := paramBool(params, "delivered", false)
		reason := paramString(params, "reason")
		if err := d.RecordReceipt(id, delivered, reason); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": id}, nil

	case "message_delivery_trace":
		return map[string]interface{}{"trace": d.MessageDeliveryTrace(paramString(params, "message_id"))}, nil

	case "get_delivery_policy":
		return map[string]interface{}{"policy": d.GetDeliveryPolicy()}, nil

	case "set_delivery_policy":
		d.SetDeliveryPolicy(DeliveryPolicy{
			PreferDirect:     paramBool(params, "prefer_direct", true),
			AllowPropagation: paramBool(params, "allow_propagation", true),
			RetryBudget:      paramInt(params, "retry_budget", 3),
		})
		return map[string]interface{}{"policy": d.GetDeliveryPolicy()}, nil

	case "propagation_status":
		return d.PropagationStatus(), nil
	case "get_propagation_state":
		return d.GetPropagationState(), nil
	case "propagation_enable":
		d.PropagationEnable(paramBool(params, "enabled", true))
		return map[string]interface{}{}, nil
	case "propagation_ingest":
		d.PropagationIngest(paramString(params, "transient_id"), paramString(params, "payload_hex"))
		return map[string]interface{}{}, nil
	case "propagation_fetch":
		payload, ok := d.PropagationFetch(paramString(params, "transient_id"))
		return map[string]interface{}{"payload_hex": payload, "found": ok}, nil
	case "request_messages_from_propagation_node":
		return d.RequestMessagesFromPropagationNode(paramInt(params, "max_messages", 100))
	case "get_outbound_propagation_node":
		return map[string]interface{}{"node": d.GetOutboundPropagationNode()}, nil
	case "set_outbound_propagation_node":
		d.SetOutboundPropagationNode(paramString(params, "destination"))
		return map[string]interface{}{}, nil
	case "request_alternative_propagation_relay":
		return map[string]interface{}{"previous_node": d.RequestAlternativePropagationRelay()}, nil
	case "list_propagation_nodes":
		return map[string]interface{}{"nodes": d.ListPropagationNodes()}, nil

	case "get_incoming_message_size_limit":
		return map[string]interface{}{"limit": d.GetIncomingMessageSizeLimit()}, nil
	case "set_incoming_message_size_limit":
		d.SetIncomingMessageSizeLimit(paramInt(params, "limit", 0))
		return map[string]interface{}{}, nil

	case "has_path":
		return map[string]interface{}{"has_path": d.HasPath(paramString(params, "destination"))}, nil
	case "request_path":
		if err := d.RequestPath(paramString(params, "destination")); err != nil {
			return nil, err
		}
		return map[string]interface{}{}, nil
	case "establish_link":
		if err := d.EstablishLink(paramString(params, "destination")); err != nil {
			return nil, err
		}
		return map[string]interface{}{}, nil

	case "send_reaction":
		return d.SendReaction(paramSendMessage(params), paramString(params, "reacts_to"), paramString(params, "reaction"))
	case "send_location_telemetry":
		telemetry, _ := params["telemetry"].(map[string]interface{})
		return d.SendLocationTelemetry(paramSendMessage(params), telemetry)
	case "send_telemetry_request":
		return d.SendTelemetryRequest(paramSendMessage(params))

	case "store_peer_identity":
		d.StorePeerIdentity(paramString(params, "destination_hash"), paramString(params, "identity_hash"))
		return map[string]interface{}{}, nil
	case "restore_all_peer_identities":
		return map[string]interface{}{"restored": d.RestoreAllPeerIdentities()}, nil
	case "bulk_restore_peer_identities":
		return map[string]interface{}{"restored": d.BulkRestorePeerIdentities(paramStringMap(params, "pairs"))}, nil
	case "bulk_restore_announce_identities":
		return map[string]interface{}{"restored": d.BulkRestoreAnnounceIdentities(paramStringMap(params, "pairs"))}, nil
	case "recall_identity":
		id, ok := d.RecallIdentity(paramString(params, "destination_hash"))
		return map[string]interface{}{"identity_hash": id, "found": ok}, nil

	case "parse_rmsp_announce":
		rec, err := d.ParseRmspAnnounce(paramString(params, "destination"), paramBytes(params, "payload"))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"server": rec}, nil
	case "get_rmsp_servers":
		return map[string]interface{}{"servers": d.GetRmspServers()}, nil
	case "get_rmsp_servers_for_geohash":
		return map[string]interface{}{"servers": d.GetRmspServersForGeohash(paramString(params, "geohash"))}, nil

	case "paper_ingest_uri":
		return d.PaperIngestUri(paramString(params, "uri"))

	case "stamp_policy_get":
		return map[string]interface{}{"stamp_policy": d.StampPolicyGet()}, nil
	case "stamp_policy_set":
		return map[string]interface{}{"stamp_policy": d.StampPolicySet(paramIntPtr(params, "target_cost"), paramIntPtr(params, "flexibility"))}, nil

	case "ticket_generate":
		rec, err := d.TicketGenerate(paramString(params, "destination"), int64(paramInt(params, "ttl_secs", 3600)))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"ticket": rec}, nil

	case "announce_now":
		if d.announceBridge != nil {
			if err := d.announceBridge.AnnounceNow(); err != nil {
				return nil, newRPCError("ANNOUNCE_FAILED", "%v", err)
			}
		}
		ts := nowSeconds()
		d.PushEvent(Event{Type: "announce_sent", Payload: map[string]interface{}{"timestamp": ts}})
		return map[string]interface{}{"timestamp": ts}, nil

	case "announce_received":
		rec, err := d.AnnounceReceived(
			paramString(params, "peer"), int64(paramInt(params, "timestamp", int(nowSeconds()))),
			paramString(params, "name"), paramString(params, "name_source"),
			paramString(params, "aspect"), paramBytes(params, "app_data"),
		)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"peer": rec}, nil

	case "clear_messages":
		if err := d.ClearMessages(); err != nil {
			return nil, err
		}
		return map[string]interface{}{}, nil
	case "clear_resources":
		d.ClearResources()
		return map[string]interface{}{}, nil
	case "clear_peers":
		d.ClearPeers()
		return map[string]interface{}{}, nil
	case "clear_all":
		if err := d.ClearAll(); err != nil {
			return nil, err
		}
		return map[string]interface{}{}, nil

	default:
		return nil, newRPCError("UNKNOWN_METHOD", "no such method %q", method)
	}
}

func paramString(p map[string]interface{}, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func paramStringPtr(p map[string]interface{}, key string) *string {
	if v, ok := p[key].(string); ok {
		return &v
	}
	return nil
}

func paramBool(p map[string]interface{}, key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

func paramInt(p map[string]interface{}, key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func paramIntPtr(p map[string]interface{}, key string) *int {
	if _, ok := p[key]; !ok {
		return nil
	}
	v := paramInt(p, key, 0)
	return &v
}

func paramFloatPtr(p map[string]interface{}, key string) *float64 {
	switch v := p[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	default:
		return nil
	}
}

func paramBytes(p map[string]interface{}, key string) []byte {
	switch v := p[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

func paramStringMap(p map[string]interface{}, key string) map[string]string {
	raw, ok := p[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func paramInterfaceRecords(p map[string]interface{}) []InterfaceRecord {
	raw, ok := p["interfaces"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]InterfaceRecord, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, InterfaceRecord{
			Name:    paramString(m, "name"),
			Type:    paramString(m, "type"),
			Enabled: paramBool(m, "enabled", true),
			Host:    paramString(m, "host"),
			Port:    paramInt(m, "port", 0),
		})
	}
	return out
}

func paramSendMessage(p map[string]interface{}) SendMessageParams {
	fields, _ := p["fields"].(map[string]interface{})
	return SendMessageParams{
		ID:          paramString(p, "id"),
		Source:      paramString(p, "source"),
		Destination: paramString(p, "destination"),
		Title:       paramBytes(p, "title"),
		Content:     paramBytes(p, "content"),
		Timestamp:   *paramFloatPtrOr(p, "timestamp", float64(nowSeconds())),
		Fields:      fields,
		Wire:        paramBytes(p, "wire"),
	}
}

func paramFloatPtrOr(p map[string]interface{}, key string, def float64) *float64 {
	if v := paramFloatPtr(p, key); v != nil {
		return v
	}
	return &def
}

func paramMessageRecord(p map[string]interface{}) store.MessageRecord {
	fields, _ := p["fields"].(map[string]interface{})
	return store.MessageRecord{
		ID:          paramString(p, "id"),
		Source:      paramString(p, "source"),
		Destination: paramString(p, "destination"),
		Title:       paramBytes(p, "title"),
		Content:     paramBytes(p, "content"),
		Timestamp:   *paramFloatPtrOr(p, "timestamp", float64(nowSeconds())),
		Fields:      fields,
	}
}
