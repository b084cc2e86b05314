//go:build unit

package errgroup

import (
	"context"
	"fmt"
)

func ExampleWithContext() {
	group, _ := WithContext(context.Background(), nil, "ingest")

	results := make([]string, 2)

	group.Go("users", func(_ context.Context) error {
		results[0] = "users loaded"

		return nil
	})

	group.Go("orders", func(_ context.Context) error {
		results[1] = "orders loaded"

		return nil
	})

	if err := group.Wait(); err != nil {
		fmt.Println("load:", err)

		return
	}

	for _, result := range results {
		fmt.Println(result)
	}
	// Output:
	// users loaded
	// orders loaded
}
