/*
Package client is a Go client for the convsync HTTP API.

The CLI uses it for every command that inspects or drives a running server,
so those commands never open the ledger file the server holds locked.

	c, err := client.NewClient("localhost:8080")
	if err != nil {
		return err
	}
	commit, err := c.Execute(ctx, &types.Command{
		EntityType:      types.EntityHumanTurn,
		EntityID:        "ht-1",
		Operation:       types.OperationUpsert,
		Payload:         payload,
		LatencyCritical: true,
	})

Non-2xx answers come back as *APIError. errors.Is(err, client.ErrNotFound)
matches a 404.
*/
package client
