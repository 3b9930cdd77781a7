package schema

import (
	"reflect"
	"testing"
)

func TestIndexColumns(t *testing.T) {
	cases := []struct {
		def  string
		want []string
	}{
		{
			def:  `CREATE UNIQUE INDEX users_email_key ON tenant_a.users USING btree (email)`,
			want: []string{"email"},
		},
		{
			def:  `CREATE INDEX orders_user_created_idx ON tenant_a.orders USING btree (user_id, created_at)`,
			want: []string{"user_id", "created_at"},
		},
		{
			def:  `CREATE INDEX q ON t USING btree ("Weird Col")`,
			want: []string{"Weird Col"},
		},
		{
			def:  `not an index def`,
			want: nil,
		},
	}
	for _, tc := range cases {
		if got := indexColumns(tc.def); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("indexColumns(%q) = %v, want %v", tc.def, got, tc.want)
		}
	}
}
